package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aweris/hashpool"
	"github.com/aweris/hashpool/internal/logging"
	"github.com/aweris/hashpool/internal/metrics"
	"github.com/aweris/hashpool/internal/mirror"
	"github.com/aweris/hashpool/internal/refindex"
	"github.com/aweris/hashpool/internal/remote"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// env is everything a command works with, built from configuration.
type env struct {
	pool   *hashpool.Pool
	refs   *refindex.Index
	mirror *mirror.Mirror
	remote *remote.OCIRemote
	log    *zap.Logger
	reg    *prometheus.Registry
}

func openEnv(withRefs bool) (_ *env, err error) {
	log, err := logging.New(viper.GetString("log_level"), viper.GetString("log_file"))
	if err != nil {
		return nil, err
	}

	e := &env{log: log, reg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	rec, err := metrics.New(e.reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	opts := []hashpool.Option{
		hashpool.WithLogger(log),
		hashpool.WithMetrics(rec),
		hashpool.WithVerifyDigests(viper.GetBool("verify_digests")),
	}
	if trash := viper.GetString("trash_dir"); trash != "" {
		opts = append(opts, hashpool.WithTrashRoot(trash))
	}

	if ref := viper.GetString("mirror"); ref != "" {
		e.remote, err = remote.NewOCIRemote(ref,
			remote.WithKeychain(keychain()),
			remote.WithConcurrency(viper.GetInt("concurrency")),
			remote.WithLogger(log))
		if err != nil {
			return nil, err
		}

		e.mirror, err = mirror.New(e.remote, viper.GetString("mirror_state"), mirror.WithLogger(log))
		if err != nil {
			return nil, err
		}
		opts = append(opts, hashpool.WithObserver(e.mirror), hashpool.WithRecoveryProvider(e.mirror))
	}

	e.pool, err = hashpool.Open(viper.GetString("pool_dir"), opts...)
	if err != nil {
		return nil, err
	}

	if withRefs {
		e.refs, err = refindex.Open(viper.GetString("refs_db"))
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// keychain prefers explicit credentials over the Docker config.
func keychain() authn.Keychain {
	if user := viper.GetString("mirror_username"); user != "" {
		return remote.BasicKeychain(user, viper.GetString("mirror_password"))
	}
	return authn.DefaultKeychain
}

func (e *env) requireMirror() error {
	if e.mirror == nil {
		return errors.New("no mirror configured (set --mirror or HASHPOOL_MIRROR)")
	}
	return nil
}

// Close releases resources and writes metrics when requested.
func (e *env) Close() error {
	var errs []error
	if e.refs != nil {
		errs = append(errs, e.refs.Close())
	}
	if e.remote != nil {
		errs = append(errs, e.remote.Close())
	}
	if out := viper.GetString("metrics_out"); out != "" {
		errs = append(errs, writeMetrics(e.reg, out))
	}
	_ = e.log.Sync()
	return errors.Join(errs...)
}

func writeMetrics(reg *prometheus.Registry, out string) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create metrics file: %w", err)
		}
		defer f.Close()
		w = f
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// withEnv opens the environment, runs fn and closes it, keeping the first error.
func withEnv(withRefs bool, fn func(*env) error) (err error) {
	e, err := openEnv(withRefs)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(e)
}
