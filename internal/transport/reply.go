package transport

import (
	"strings"

	"github.com/tidwall/gjson"
)

// NoResponse is shown when the backend answers with an empty body
const NoResponse = "No response"

// ExtractReply turns a raw response body into the assistant's text. A JSON
// object with a non-null "reply" yields that value, stringified when it is
// not a string; any other body is used verbatim.
func ExtractReply(raw string) string {
	if gjson.Valid(raw) {
		parsed := gjson.Parse(raw)
		if parsed.IsObject() {
			reply := parsed.Get("reply")
			if reply.Exists() && reply.Type != gjson.Null {
				if reply.Type == gjson.String {
					return reply.String()
				}
				return reply.Raw
			}
		}
	}

	if strings.TrimSpace(raw) == "" {
		return NoResponse
	}
	return raw
}
