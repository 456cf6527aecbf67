package wsserver

import "fmt"

// ErrUnknownFrameType is returned for any frame Type outside §6's
// WebSocketMessagesEncodable tag set.
type ErrUnknownFrameType struct {
	Type string
}

func (e *ErrUnknownFrameType) Error() string {
	return fmt.Sprintf("unrecognized ws frame type %q", e.Type)
}
