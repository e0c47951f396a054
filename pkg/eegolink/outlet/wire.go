package outlet

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tags what a wire frame carries.
type Kind uint64

const (
	KindInfo Kind = iota + 1
	KindChunk
	KindMarker
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindChunk:
		return "chunk"
	case KindMarker:
		return "marker"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

const (
	fieldSourceID     protowire.Number = 1
	fieldKind         protowire.Number = 2
	fieldTimestamp    protowire.Number = 3
	fieldChannelCount protowire.Number = 4
	fieldSamples      protowire.Number = 5
	fieldMarker       protowire.Number = 6
	fieldName         protowire.Number = 7
	fieldType         protowire.Number = 8
	fieldNominalRate  protowire.Number = 9
	fieldFormat       protowire.Number = 10
	fieldSequence     protowire.Number = 11
	fieldLabels       protowire.Number = 12
	fieldManufacturer protowire.Number = 13
	fieldSerialNumber protowire.Number = 14
)

// Frame is the message published by the network transports. Samples are row
// major, ChannelCount values per row.
type Frame struct {
	SourceID     string
	Kind         Kind
	Timestamp    float64
	ChannelCount int
	Samples      []float32
	Marker       string
	Name         string
	Type         string
	NominalRate  float64
	Format       string
	Sequence     uint64
	Labels       []string
	Manufacturer string
	SerialNumber string
}

func InfoFrame(info StreamInfo) Frame {
	labels := make([]string, len(info.Desc.Channels))
	for i, ch := range info.Desc.Channels {
		labels[i] = ch.Label
	}
	return Frame{
		SourceID:     info.SourceID,
		Kind:         KindInfo,
		ChannelCount: info.ChannelCount,
		Name:         info.Name,
		Type:         info.Type,
		NominalRate:  info.NominalRate,
		Format:       info.Format.String(),
		Labels:       labels,
		Manufacturer: info.Desc.Acquisition.Manufacturer,
		SerialNumber: info.Desc.Acquisition.SerialNumber,
	}
}

func ChunkFrame(info StreamInfo, rows [][]float32, timestamp float64, seq uint64) Frame {
	samples := make([]float32, 0, len(rows)*info.ChannelCount)
	for _, row := range rows {
		samples = append(samples, row...)
	}
	return Frame{
		SourceID:     info.SourceID,
		Kind:         KindChunk,
		Timestamp:    timestamp,
		ChannelCount: info.ChannelCount,
		Samples:      samples,
		Sequence:     seq,
	}
}

func MarkerFrame(info StreamInfo, value string, timestamp float64, seq uint64) Frame {
	return Frame{
		SourceID:  info.SourceID,
		Kind:      KindMarker,
		Timestamp: timestamp,
		Marker:    value,
		Sequence:  seq,
	}
}

// Rows splits Samples back into rows.
func (f Frame) Rows() [][]float32 {
	if f.ChannelCount <= 0 {
		return nil
	}
	rows := make([][]float32, len(f.Samples)/f.ChannelCount)
	for i := range rows {
		rows[i] = f.Samples[i*f.ChannelCount : (i+1)*f.ChannelCount]
	}
	return rows
}

func AppendFrame(b []byte, f Frame) []byte {
	b = appendString(b, fieldSourceID, f.SourceID)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.Kind != KindInfo {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.Timestamp))
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Sequence)
	}
	if f.ChannelCount > 0 {
		b = protowire.AppendTag(b, fieldChannelCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.ChannelCount))
	}
	if len(f.Samples) > 0 {
		packed := make([]byte, 0, 4*len(f.Samples))
		for _, v := range f.Samples {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, fieldSamples, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendString(b, fieldMarker, f.Marker)
	b = appendString(b, fieldName, f.Name)
	b = appendString(b, fieldType, f.Type)
	if f.Kind == KindInfo {
		b = protowire.AppendTag(b, fieldNominalRate, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.NominalRate))
	}
	b = appendString(b, fieldFormat, f.Format)
	for _, label := range f.Labels {
		b = protowire.AppendTag(b, fieldLabels, protowire.BytesType)
		b = protowire.AppendString(b, label)
	}
	b = appendString(b, fieldManufacturer, f.Manufacturer)
	b = appendString(b, fieldSerialNumber, f.SerialNumber)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				f.Kind = Kind(v)
			case fieldChannelCount:
				f.ChannelCount = int(v)
			case fieldSequence:
				f.Sequence = v
			}

		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldTimestamp:
				f.Timestamp = math.Float64frombits(v)
			case fieldNominalRate:
				f.NominalRate = math.Float64frombits(v)
			}

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldSourceID:
				f.SourceID = string(v)
			case fieldSamples:
				if len(v)%4 != 0 {
					return f, fmt.Errorf("samples field has %d bytes, not a multiple of 4", len(v))
				}
				f.Samples = make([]float32, 0, len(v)/4)
				for len(v) > 0 {
					bits, n := protowire.ConsumeFixed32(v)
					if n < 0 {
						return f, protowire.ParseError(n)
					}
					f.Samples = append(f.Samples, math.Float32frombits(bits))
					v = v[n:]
				}
			case fieldMarker:
				f.Marker = string(v)
			case fieldName:
				f.Name = string(v)
			case fieldType:
				f.Type = string(v)
			case fieldFormat:
				f.Format = string(v)
			case fieldLabels:
				f.Labels = append(f.Labels, string(v))
			case fieldManufacturer:
				f.Manufacturer = string(v)
			case fieldSerialNumber:
				f.SerialNumber = string(v)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}
