package feed

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"strings"
	"sync"
)

// ContentTypeCSV is the only record format decoded for freshness tracking.
// It is also assumed when a client sends no Content-Type.
const ContentTypeCSV = "text/csv"

// Sample is one decoded (sub-stream id, value) pair.
type Sample struct {
	ID    string
	Value string
}

// Decoder turns a request body into samples.
//
// datastream is set for datapoint writes, where the body carries values for a
// single sub-stream rather than "id,value" pairs.
type Decoder interface {
	Decode(body []byte, datastream string) ([]Sample, error)
}

type DecoderFunc func(body []byte, datastream string) ([]Sample, error)

func (f DecoderFunc) Decode(body []byte, datastream string) ([]Sample, error) {
	return f(body, datastream)
}

// Decoders maps media types to decoders. It is safe for concurrent use.
type Decoders struct {
	mu sync.RWMutex
	m  map[string]Decoder
}

// NewDecoders returns a registry with the CSV decoder installed.
func NewDecoders() *Decoders {
	d := &Decoders{m: map[string]Decoder{}}
	d.Register(ContentTypeCSV, DecoderFunc(DecodeCSV))
	return d
}

func (d *Decoders) Register(mediaType string, dec Decoder) {
	d.mu.Lock()
	d.m[strings.ToLower(mediaType)] = dec
	d.mu.Unlock()
}

// Decode picks a decoder by media type (parameters like charset are ignored).
// It returns ErrUnsupported when nothing is registered for the type.
func (d *Decoders) Decode(contentType string, body []byte, datastream string) ([]Sample, error) {
	mt := MediaType(contentType)
	d.mu.RLock()
	dec := d.m[mt]
	d.mu.RUnlock()
	if dec == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, mt)
	}
	return dec.Decode(body, datastream)
}

// MediaType normalizes a Content-Type header value. Empty means CSV.
func MediaType(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if ct == "" {
		return ContentTypeCSV
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// DecodeCSV parses one record per line.
//
// Feed updates carry "id,value" lines. Datapoint writes carry
// "timestamp,value" lines for one datastream; only the last value matters for
// freshness, so a single sample is returned.
func DecodeCSV(body []byte, datastream string) ([]Sample, error) {
	var out []Sample
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		left, right, ok := strings.Cut(raw, ",")
		left, right = strings.TrimSpace(left), strings.TrimSpace(right)
		if datastream != "" {
			// "timestamp,value" or a bare value.
			v := right
			if !ok {
				v = left
			}
			if v == "" {
				return nil, fmt.Errorf("%w: line %d: empty value", ErrInvalidInput, line)
			}
			out = []Sample{{ID: datastream, Value: v}}
			continue
		}
		if !ok || left == "" {
			return nil, fmt.Errorf("%w: line %d: expected \"id,value\"", ErrInvalidInput, line)
		}
		out = append(out, Sample{ID: left, Value: right})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}
