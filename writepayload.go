package sockcore

import "github.com/polyscript/sockcore/sockerr"

// WritePayload is a byte slice plus an optional (offset, length) window and
// an encoding tag. Setting Encoding alongside Offset/Length is rejected: the
// two ways of describing "which bytes" don't compose.
type WritePayload struct {
	Data     []byte
	Offset   int
	Length   int
	HasRange bool
	Encoding string
}

// Bytes builds a WritePayload from a full buffer, no range, no encoding.
func Bytes(data []byte) WritePayload {
	return WritePayload{Data: data}
}

// Ranged builds a WritePayload selecting [offset, offset+length) of data.
func Ranged(data []byte, offset, length int) WritePayload {
	return WritePayload{Data: data, Offset: offset, Length: length, HasRange: true}
}

// Encoded builds a WritePayload tagging data with a text encoding (e.g.
// "utf8", "hex", "base64"); sockcore does not decode it itself, it only
// rejects combining it with a range, matching the decode responsibility
// living in the argument-coercion collaborator.
func Encoded(data []byte, encoding string) WritePayload {
	return WritePayload{Data: data, Encoding: encoding}
}

// resolve validates and slices the payload down to the bytes actually to be
// written.
func (p WritePayload) resolve() ([]byte, error) {
	if p.HasRange && p.Encoding != "" {
		return nil, sockerr.InvalidArguments("write: encoding cannot be combined with an offset/length range")
	}
	if !p.HasRange {
		return p.Data, nil
	}
	if p.Offset < 0 || p.Length < 0 || p.Offset+p.Length > len(p.Data) {
		return nil, sockerr.InvalidArguments("write: offset/length out of range for %d-byte buffer", len(p.Data))
	}
	return p.Data[p.Offset : p.Offset+p.Length], nil
}
