package fsm

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ulidIndexer indexes runs by their start version. Lookups take the version
// in its string form.
type ulidIndexer struct{}

func (ulidIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("wrong number of args %d, expected 1", len(args))
	}

	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("wrong type for arg %T, expected string", args[0])
	}

	version, err := ulid.ParseStrict(s)
	if err != nil {
		return nil, fmt.Errorf("invalid run version %q: %w", s, err)
	}
	return version.Bytes(), nil
}

func (ulidIndexer) FromObject(raw any) (bool, []byte, error) {
	s, ok := raw.(runState)
	if !ok {
		return false, nil, fmt.Errorf("wrong type for arg %T, expected runState", raw)
	}

	if s.StartVersion.Compare(ulid.ULID{}) == 0 {
		return false, nil, nil
	}
	return true, s.StartVersion.Bytes(), nil
}
