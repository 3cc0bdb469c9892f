package kutil_test

import (
	"testing"

	"github.com/quarkkern/quark/pkg/kutil"
	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	buf := make([]byte, 4)

	kutil.PutLEUint32(buf, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), kutil.LEUint32(buf))

	kutil.PutBEUint32(buf, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), kutil.BEUint32(buf))

	kutil.PutLEUint16(buf[:2], 0xcafe)
	assert.Equal(t, uint16(0xcafe), kutil.LEUint16(buf[:2]))

	kutil.PutBEUint16(buf[:2], 0xcafe)
	assert.Equal(t, uint16(0xcafe), kutil.BEUint16(buf[:2]))
}

func TestByteOrderDiffers(t *testing.T) {
	buf := make([]byte, 2)
	kutil.PutBEUint16(buf, 0x0102)
	assert.Equal(t, byte(0x01), buf[0])
	assert.Equal(t, byte(0x02), buf[1])

	kutil.PutLEUint16(buf, 0x0102)
	assert.Equal(t, byte(0x02), buf[0])
	assert.Equal(t, byte(0x01), buf[1])
}
