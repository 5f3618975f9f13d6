package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashStreamNameIsDeterministic(t *testing.T) {
	assert.Equal(t, HashStreamName("orders"), HashStreamName("orders"))
	assert.NotEqual(t, HashStreamName("orders"), HashStreamName("users"))
	assert.NotZero(t, HashStreamName("orders"))
}

func TestChecksumTwoPartMatchesWhole(t *testing.T) {
	a, b := []byte("length-prefix"), []byte("payload-bytes")
	whole := append(append([]byte(nil), a...), b...)
	assert.Equal(t, ComputeChecksum(whole), ComputeChecksum2(a, b))
	assert.True(t, ValidateChecksum(whole, ComputeChecksum(whole)))
	assert.False(t, ValidateChecksum(whole, ComputeChecksum(whole)+1))
}
