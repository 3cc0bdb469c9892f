package kprintf_test

import (
	"testing"

	"github.com/quarkkern/quark/pkg/kutil/kprintf"
	"github.com/stretchr/testify/assert"
)

func TestBasicConversions(t *testing.T) {
	assert.Equal(t, "42", kprintf.Sprintf("%d", 42))
	assert.Equal(t, "-42", kprintf.Sprintf("%d", -42))
	assert.Equal(t, "2a", kprintf.Sprintf("%x", 42))
	assert.Equal(t, "2A", kprintf.Sprintf("%X", 42))
	assert.Equal(t, "52", kprintf.Sprintf("%o", 42))
	assert.Equal(t, "hi", kprintf.Sprintf("%s", "hi"))
	assert.Equal(t, "A", kprintf.Sprintf("%c", 'A'))
	assert.Equal(t, "100%", kprintf.Sprintf("%d%%", 100))
}

func TestFlagsAndWidth(t *testing.T) {
	assert.Equal(t, "  42", kprintf.Sprintf("%4d", 42))
	assert.Equal(t, "42  ", kprintf.Sprintf("%-4d", 42))
	assert.Equal(t, "0042", kprintf.Sprintf("%04d", 42))
	assert.Equal(t, "+42", kprintf.Sprintf("%+d", 42))
	assert.Equal(t, " 42", kprintf.Sprintf("% d", 42))
	assert.Equal(t, "0x2a", kprintf.Sprintf("%#x", 42))
	assert.Equal(t, "0X2A", kprintf.Sprintf("%#X", 42))
	assert.Equal(t, "052", kprintf.Sprintf("%#o", 42))
}

func TestPrecision(t *testing.T) {
	assert.Equal(t, "00042", kprintf.Sprintf("%.5d", 42))
	assert.Equal(t, "he", kprintf.Sprintf("%.2s", "hello"))
}

func TestLengthModifiersAreAccepted(t *testing.T) {
	assert.Equal(t, "42", kprintf.Sprintf("%ld", int64(42)))
	assert.Equal(t, "42", kprintf.Sprintf("%hhu", uint8(42)))
	assert.Equal(t, "42", kprintf.Sprintf("%llu", uint64(42)))
}

func TestMultipleArgs(t *testing.T) {
	got := kprintf.Sprintf("irql=%d fn=%p data=%s", 7, uintptr(0x1000), "handler")
	assert.Equal(t, "irql=7 fn=1000 data=handler", got)
}
