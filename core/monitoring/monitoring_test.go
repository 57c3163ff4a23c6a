package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	errs    []error
	tags    []map[string]string
	panics  []any
	flushed int
}

func (r *recorder) CaptureException(err error, tags map[string]string) {
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}
func (r *recorder) CapturePanic(v any)  { r.panics = append(r.panics, v) }
func (r *recorder) Flush(time.Duration) { r.flushed++ }

func TestCaptureException(t *testing.T) {
	rec := &recorder{}
	Init(rec)
	t.Cleanup(func() { Init(nil) })

	CaptureException(nil, nil)
	CaptureException(errors.New("boom"), map[string]string{"task": "ref_concat"})

	assert.Len(t, rec.errs, 1)
	assert.Equal(t, "ref_concat", rec.tags[0]["task"])
}

func TestRecoverReportsAndRepanics(t *testing.T) {
	rec := &recorder{}
	Init(rec)
	t.Cleanup(func() { Init(nil) })

	assert.PanicsWithValue(t, "bad", func() {
		defer Recover()
		panic("bad")
	})
	assert.Equal(t, []any{"bad"}, rec.panics)
	assert.Equal(t, 1, rec.flushed)
}

func TestInitNilRestoresNop(t *testing.T) {
	Init(nil)
	assert.IsType(t, NopMonitor{}, get())
}
