package sportsfeed

import "encoding/json"

// envelope is the wire shape of a paged response:
// {"data":[{...}],"meta":{"next_cursor":123,"per_page":25}}
type envelope struct {
	Data []json.RawMessage `json:"data"`
	Meta meta              `json:"meta"`
}

type meta struct {
	NextCursor *int64 `json:"next_cursor"`
	PerPage    int    `json:"per_page"`
}
