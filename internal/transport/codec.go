package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/pkg"
)

// CodecName is the gRPC content-subtype of overlay messages.
const CodecName = "pgrid"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec frames overlay messages with message.Encode so that gRPC carries the
// same bytes as every other transport.
type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message.Message)
	if !ok {
		return nil, fmt.Errorf("%w: cannot marshal %T", pkg.ErrProtocolViolation, v)
	}
	return message.Encode(m), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message.Message)
	if !ok {
		return fmt.Errorf("%w: cannot unmarshal into %T", pkg.ErrProtocolViolation, v)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty frame", pkg.ErrProtocolViolation)
	}
	if kind := message.Kind(data[0]); kind != m.Kind() {
		return fmt.Errorf("%w: got %s frame, want %s", pkg.ErrProtocolViolation, kind, m.Kind())
	}
	return m.Unmarshal(data[1:])
}
