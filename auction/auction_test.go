package auction

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPhase(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name     string
		height   uint64
		revealed int
		expected Phase
	}{
		{"before commit deadline", 50, 0, PhaseCommit},
		{"at commit deadline", 100, 0, PhaseCommit},
		{"just after commit deadline", 101, 0, PhaseReveal},
		{"at refund deadline", 200, 3, PhaseReveal},
		{"after refund deadline with reveals", 201, 1, PhaseSelection},
		{"after refund deadline without reveals", 201, 0, PhaseExpired},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, ClassifyPhase(tc.height, 100, 200, tc.revealed))
		})
	}

	assert.Equal(t, PhaseUnspecified, ClassifyPhase(10, 200, 200, 0))
}

func TestNextWindow(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Window{From: 101, To: 200}, NextWindow(10, 100, 200))
	assert.Equal(t, Window{From: 201}, NextWindow(150, 100, 200))
	assert.True(t, Window{From: 201}.Contains(1<<40))
	assert.False(t, Window{From: 101, To: 200}.Contains(100))
	assert.True(t, Window{From: 101, To: 200}.Contains(200))
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")

	err := PhaseViolationf(Window{From: 5, To: 9}, cause, "reveal at height %d", 3)
	assert.Equal(t, KindPhaseViolation, KindOf(err))
	assert.ErrorIs(t, err, cause)
	next, ok := NextWindowOf(err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), next.From)
	assert.Equal(t, "reveal at height 3: boom", err.Error())

	wrapped := fmt.Errorf("placing bid: %w", Externalf(cause, "submitting"))
	assert.Equal(t, KindExternal, KindOf(wrapped))
	assert.True(t, KindOf(wrapped).Retryable())
	assert.False(t, KindIntegrity.Retryable())
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(Integrityf(cause, "revealing")))
	assert.False(t, IsRetryable(cause))

	refused := PermanentExternalf(cause, "submitting")
	assert.Equal(t, KindExternal, KindOf(refused))
	assert.False(t, IsRetryable(refused))
	assert.False(t, IsRetryable(fmt.Errorf("placing bid: %w", refused)))
	assert.False(t, IsRetryable(Externalf(refused, "retrying")))

	assert.Equal(t, KindUnspecified, KindOf(cause))
	assert.False(t, IsKind(nil, KindValidation))
	assert.True(t, IsKind(NewValidationError("bad"), KindValidation))
}

func TestDigestText(t *testing.T) {
	t.Parallel()
	var d Digest
	for i := range d {
		d[i] = byte(i)
	}
	text, err := d.MarshalText()
	require.NoError(t, err)

	var parsed Digest
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, d, parsed)

	_, err = ParseDigest("abcd")
	require.Error(t, err)
}

func TestCommitmentValidate(t *testing.T) {
	t.Parallel()
	c := BidCommitment{
		TaskID:         "t1",
		BoxID:          "b1",
		CommitHash:     Digest{1},
		BidderAddress:  "addr",
		CommitDeadline: 100,
		RefundDeadline: 100,
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	c.RefundDeadline = 150
	require.NoError(t, c.Validate())
	assert.Equal(t, Window{From: 101, To: 150}, c.RevealWindow())
	assert.Equal(t, Window{From: 151}, c.RefundWindow())
}
