package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommResultAsError(t *testing.T) {
	assert.NoError(t, CommSuccess.Err())

	err := fmt.Errorf("read id 1: %w", CommRxTimeout.Err())
	assert.True(t, errors.Is(err, CommRxTimeout))
	assert.False(t, errors.Is(err, CommRxCorrupt))

	var res CommResult
	assert.True(t, errors.As(err, &res))
	assert.Equal(t, CommRxTimeout, res)
	assert.Equal(t, "there is no status packet", res.Error())
}

func TestDescribeError(t *testing.T) {
	assert.Empty(t, DescribeError(V1, 0))
	assert.Equal(t, "overheat error", DescribeError(V1, ErrBitOverheat))
	assert.Equal(t, "input voltage error, overload error", DescribeError(V1, ErrBitVoltage|ErrBitOverload))

	assert.Equal(t, "data value is out of range", DescribeError(V2, ErrNumDataRange))
	assert.Equal(t, "hardware error, check Hardware Error Status", DescribeError(V2, ErrBitAlert))
	assert.Equal(t, "hardware error, check Hardware Error Status; address is not accessible",
		DescribeError(V2, ErrBitAlert|ErrNumAccess))
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]Version{"1": V1, "1.0": V1, " 2.0 ": V2, "2": V2} {
		got, err := ParseVersion(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseVersion("3")
	assert.Error(t, err)
}

func TestInstructionSupport(t *testing.T) {
	assert.True(t, InstBulkRead.SupportedBy(V1))
	assert.False(t, InstSyncRead.SupportedBy(V1))
	assert.False(t, InstReboot.SupportedBy(V1))
	assert.True(t, InstFastBulkRead.SupportedBy(V2))
	assert.Equal(t, "SYNC_WRITE", InstSyncWrite.String())
	assert.Equal(t, "INST_0x77", Instruction(0x77).String())
}
