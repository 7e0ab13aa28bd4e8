// Package restyutil dumps the http exchanges of a resty client for debugging scrapers.
package restyutil

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

type Output interface {
	Write(id string, contents string)
}

// Dumper numbers the exchanges of every client it instruments in one sequence.
type Dumper struct {
	output  Output
	counter atomic.Uint64
}

func NewDumper(output Output) *Dumper {
	return &Dumper{output: output}
}

// Instrument writes every completed exchange of client to the output. Secrets (passwords,
// cookies, authorization headers) are redacted. A nil Dumper leaves the client untouched.
func (d *Dumper) Instrument(client *resty.Client) {
	if d == nil {
		return
	}
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		n := d.counter.Add(1)
		d.output.Write(messageId(n, res.Request.Method, res.Request.URL), formatHttpMessage(res))
		return nil
	})
}

// messageId names a dump after its sequence number and the last path segment, ex.
// "0003-POST-reader.txt".
func messageId(n uint64, method, rawUrl string) string {
	name := "root"
	if parsed, err := url.Parse(rawUrl); err == nil {
		segments := strings.FieldsFunc(parsed.Path, func(r rune) bool { return r == '/' })
		if len(segments) > 0 {
			name = segments[len(segments)-1]
		}
	}
	return fmt.Sprintf("%04d-%s-%s.txt", n, method, name)
}
