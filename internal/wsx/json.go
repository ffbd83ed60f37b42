package wsx

import (
	"encoding/json"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// DumpFunc serializes an outbound envelope. Parsing always goes through the
// standard library; only the dump side is selectable.
type DumpFunc func(v any) ([]byte, error)

var supportedJSONLibraries = []string{"stdlib", "default", "fast-binary", "bson"}

var unknownJSONLibraryWarn sync.Once

// DumpFuncFor maps a configured json_library name to its dump function.
// Unknown names warn once and fall back to the default.
func DumpFuncFor(name string) DumpFunc {
	switch name {
	case "", "stdlib", "default":
		return json.Marshal
	case "fast-binary":
		return gojson.Marshal
	case "bson":
		return func(v any) ([]byte, error) {
			return bson.MarshalExtJSON(v, false, false)
		}
	default:
		unknownJSONLibraryWarn.Do(func() {
			log.Warn().
				Str("json_library", name).
				Strs("supported", supportedJSONLibraries).
				Msg("Unrecognized JSON library configured, switching to default")
		})
		return json.Marshal
	}
}
