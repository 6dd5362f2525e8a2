package xlog

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrintfPrependsTag(t *testing.T) {
	var buf bytes.Buffer
	lg := &Logger{tag: "[chat] ", l: log.New(&buf, "", 0)}
	lg.Printf("hello %s", "world")
	require.Equal(t, "[chat] hello world\n", buf.String())
}

func TestPrintlnPrependsTag(t *testing.T) {
	var buf bytes.Buffer
	lg := &Logger{tag: "[dns] ", l: log.New(&buf, "", 0)}
	lg.Println("registered", "alice")
	require.True(t, strings.HasPrefix(buf.String(), "[dns] registered alice"))
}

func TestNewTagsEverySubsystemDistinctly(t *testing.T) {
	require.Equal(t, "[conn] ", New("conn").tag)
	require.Equal(t, "[group] ", New("group").tag)
}
