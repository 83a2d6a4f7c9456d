package httpx

import (
	"net/http"
	"strconv"
)

// page is a validated limit/offset pair.
type page struct {
	Limit  int
	Offset int
}

// parsePage reads limit and offset from the query string. Missing or
// malformed values fall back to defLimit and 0; limit is clamped to [1, maxLimit].
func parsePage(r *http.Request, defLimit, maxLimit int) page {
	q := r.URL.Query()
	p := page{Limit: defLimit}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		p.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	p.Limit = min(max(p.Limit, 1), max(maxLimit, 1))
	return p
}
