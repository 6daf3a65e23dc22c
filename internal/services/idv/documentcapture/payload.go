package documentcapture

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/louisbranch/idproof/internal/services/idv/formsteps"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
)

// Payload is the JSON body submitted to the verification endpoint.
type Payload map[string]any

type byteser interface {
	Bytes() []byte
}

// BuildPayload converts form values into a submission payload. Background
// upload references become <field>_image_url entries, and IV entries are
// kept only beside an uploaded reference. With asyncPolling the raw image
// fields are omitted since the server reads the uploads itself.
func BuildPayload(values formsteps.Values, asyncPolling bool) Payload {
	payload := Payload{}
	for key, value := range values {
		if value.Kind() != formsteps.KindPresent {
			continue
		}
		if field, ok := strings.CutSuffix(key, upload.IVSuffix); ok {
			if _, uploaded := values.Get(field).Data().(upload.Reference); !uploaded {
				continue
			}
		}
		switch data := value.Data().(type) {
		case upload.Reference:
			payload[key+"_image_url"] = data.URL
			if _, ok := values[key+upload.IVSuffix]; !ok && len(data.IV) > 0 {
				payload[key+upload.IVSuffix] = upload.EncodeIV(data.IV)
			}
		case []byte:
			payload[key] = base64.StdEncoding.EncodeToString(data)
		case byteser:
			payload[key] = base64.StdEncoding.EncodeToString(data.Bytes())
		default:
			payload[key] = data
		}
	}
	if asyncPolling {
		for _, key := range []string{FieldFront, FieldBack, FieldSelfie} {
			delete(payload, key)
		}
	}
	return payload
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
