package fsm

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

// Codec encodes the request and response of a run for the event log.
type Codec interface {
	// Marshal may expect a specific type of message, and will error if this type
	// is not given.
	Marshal(any) ([]byte, error)
	// Unmarshal may expect a specific type of message, and will error if this
	// type is not given.
	Unmarshal([]byte, any) error
}

type protoBinaryCodec struct{}

var _ Codec = (*protoBinaryCodec)(nil)

func (c *protoBinaryCodec) Marshal(message any) ([]byte, error) {
	protoMessage, ok := message.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T doesn't implement proto.Message", message)
	}
	return proto.Marshal(protoMessage)
}

func (c *protoBinaryCodec) Unmarshal(data []byte, message any) error {
	protoMessage, ok := message.(proto.Message)
	if !ok {
		return fmt.Errorf("%T doesn't implement proto.Message", message)
	}

	if err := proto.Unmarshal(data, protoMessage); err != nil {
		return fmt.Errorf("unmarshal into %T: %w", message, err)
	}
	return nil
}

type jsonCodec struct{}

var _ Codec = (*jsonCodec)(nil)

func (c *jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (c *jsonCodec) Unmarshal(data []byte, message any) error {
	return json.Unmarshal(data, message)
}

// determineCodec picks the codec for T: one T provides itself, protobuf for
// proto messages, JSON for everything else that round-trips.
func determineCodec[T any](logger logrus.FieldLogger) (Codec, error) {
	var v T
	for _, candidate := range []any{v, &v} {
		if codec, ok := candidate.(Codec); ok {
			logger.Debug("using provided codec")
			return codec, nil
		}
	}

	if _, ok := any(&v).(proto.Message); ok {
		logger.Debug("using proto codec")
		return &protoBinaryCodec{}, nil
	}

	codec := &jsonCodec{}
	b, err := codec.Marshal(&v)
	if err != nil {
		return nil, fmt.Errorf("no codec provided and could not use json codec for %T: %w", v, err)
	}

	var v2 T
	if err := codec.Unmarshal(b, &v2); err != nil {
		return nil, fmt.Errorf("no codec provided and could not use json codec for %T: %w", v, err)
	}
	logger.Debug("using json codec")

	return codec, nil
}
