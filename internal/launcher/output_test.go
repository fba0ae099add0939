package launcher

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutput_PrefixesCompleteLines(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	out := NewOutput(&buf)
	db := out.For("db")
	app := out.For("app")

	fmt.Fprint(db, "pulling ")
	fmt.Fprint(db, "postgres:16\nready\n")
	fmt.Fprint(app, "listening on :3000")
	require.NoError(t, Flush(app))

	assert.Equal(t, "db  | pulling postgres:16\ndb  | ready\napp | listening on :3000\n", buf.String())
}

func TestOutput_NilDiscards(t *testing.T) {
	var out *Output
	n, err := out.For("db").Write([]byte("x\n"))
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}
