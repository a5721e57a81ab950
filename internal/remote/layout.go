package remote

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aweris/hashpool/internal/digest"
)

// Layer sizing. A layer is closed once it reaches LayerTargetSize. Small
// layers keep absorbing shards up to twice LayerSoftMax so a huge shard does
// not leave a tiny layer behind it.
const (
	LayerTargetSize = 5 << 20
	LayerMinSize    = 2 << 20
	LayerSoftMax    = 10 << 20
)

// ErrCorruptLayer reports a layer whose frames do not parse.
var ErrCorruptLayer = errors.New("remote: corrupt layer")

// Prefix returns the two-character shard prefix of a digest.
func Prefix(d string) string {
	if len(d) >= 2 {
		return d[:2]
	}
	return "00"
}

// Shard holds the blobs sharing one prefix.
type Shard struct {
	Prefix string
	Blobs  map[string][]byte
	Size   int64
}

// Shards groups blobs by prefix, sorted by prefix.
func Shards(blobs map[string][]byte) []Shard {
	byPrefix := make(map[string]*Shard)
	for d, data := range blobs {
		p := Prefix(d)
		s, ok := byPrefix[p]
		if !ok {
			s = &Shard{Prefix: p, Blobs: make(map[string][]byte)}
			byPrefix[p] = s
		}
		s.Blobs[d] = data
		s.Size += int64(len(data))
	}

	out := make([]Shard, 0, len(byPrefix))
	for _, s := range byPrefix {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

type planner struct {
	layers [][]Shard
	cur    []Shard
	size   int64
}

func (p *planner) fits(s Shard) bool {
	next := p.size + s.Size
	switch {
	case len(p.cur) == 0:
		return true
	case p.size >= LayerTargetSize:
		return false
	case next <= LayerSoftMax:
		return true
	default:
		return p.size < LayerMinSize && next <= 2*LayerSoftMax
	}
}

func (p *planner) close() {
	if len(p.cur) > 0 {
		p.layers = append(p.layers, p.cur)
	}
	p.cur, p.size = nil, 0
}

// PlanLayers assigns shards, in order, to layers. A shard is never split.
func PlanLayers(shards []Shard) [][]Shard {
	var p planner
	for _, s := range shards {
		if !p.fits(s) {
			p.close()
		}
		p.cur = append(p.cur, s)
		p.size += s.Size
	}
	p.close()
	return p.layers
}

// Merge flattens shards into one digest-keyed map.
func Merge(shards []Shard) map[string][]byte {
	out := make(map[string][]byte)
	for _, s := range shards {
		for d, data := range s.Blobs {
			out[d] = data
		}
	}
	return out
}

// frameHeader precedes every blob in a layer.
type frameHeader struct {
	Digest [digest.Size]byte
	Length uint64
}

const frameHeaderSize = digest.Size + 8

// WriteLayer writes blobs to w as frames in digest order, so equal inputs
// produce equal layers.
func WriteLayer(w io.Writer, blobs map[string][]byte) error {
	digests := make([]string, 0, len(blobs))
	for d := range blobs {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	for _, d := range digests {
		var h frameHeader
		if copy(h.Digest[:], d) != digest.Size {
			return fmt.Errorf("remote: digest %q has wrong length", d)
		}
		h.Length = uint64(len(blobs[d]))
		if err := binary.Write(w, binary.BigEndian, &h); err != nil {
			return err
		}
		if _, err := w.Write(blobs[d]); err != nil {
			return err
		}
	}
	return nil
}

// ReadLayer parses frames from r until EOF.
func ReadLayer(r io.Reader) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for {
		var h frameHeader
		err := binary.Read(r, binary.BigEndian, &h)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: frame header: %w", ErrCorruptLayer, err)
		}

		d := string(h.Digest[:])
		if !digest.Valid(d) {
			return nil, fmt.Errorf("%w: bad digest %q", ErrCorruptLayer, d)
		}
		data, err := io.ReadAll(io.LimitReader(r, int64(h.Length)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorruptLayer, d, err)
		}
		if uint64(len(data)) != h.Length {
			return nil, fmt.Errorf("%w: %s claims %d bytes, got %d", ErrCorruptLayer, d, h.Length, len(data))
		}
		out[d] = data
	}
}

// EncodeLayer is WriteLayer into a fresh buffer.
func EncodeLayer(blobs map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteLayer(&buf, blobs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeLayer is ReadLayer over data.
func DecodeLayer(data []byte) (map[string][]byte, error) {
	return ReadLayer(bytes.NewReader(data))
}
