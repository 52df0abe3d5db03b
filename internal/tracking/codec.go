package tracking

import (
	"github.com/fxamacker/cbor/v2"
)

// stateVersion is bumped whenever the state file layout changes
// incompatibly.
const stateVersion = 1

// stateFile is the persisted form of the store.
type stateFile struct {
	Version int               `cbor:"version"`
	Modules map[string]Record `cbor:"modules"`
}

// encMode uses Core Deterministic Encoding: sorted map keys and shortest
// integer forms, so the same state always produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so older binaries can read newer files.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Digests are written as hex text strings.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("tracking: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("tracking: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeState(modules map[string]Record) ([]byte, error) {
	return encMode.Marshal(stateFile{Version: stateVersion, Modules: modules})
}

func decodeState(data []byte) (*stateFile, error) {
	var s stateFile
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
