package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_ShortTextSingleSegment(t *testing.T) {
	segs := Segment("remind me tomorrow")
	require.Len(t, segs, 1)
	assert.Equal(t, "remind me tomorrow", segs[0])
}

func TestSegment_GSM7Boundaries(t *testing.T) {
	exactly160 := strings.Repeat("a", 160)
	assert.Len(t, Segment(exactly160), 1, "160 GSM-7 chars fit one segment")

	over := strings.Repeat("a", 161)
	segs := Segment(over)
	require.Len(t, segs, 2, "161 chars split into multipart")
	assert.Len(t, segs[0], 153, "multipart segments carry 153 septets")
	assert.Len(t, segs[1], 8)
	assert.Equal(t, over, strings.Join(segs, ""), "no characters lost across the split")
}

func TestSegment_ExtendedCharsCountDouble(t *testing.T) {
	// '€' is in the GSM extension table: escape + char, two septets each.
	text := strings.Repeat("€", 81)
	segs := Segment(text)
	assert.Len(t, segs, 2, "81 euro signs are 162 septets, over the single-segment limit")
}

func TestSegment_UnicodeUsesUCS2Limits(t *testing.T) {
	text := strings.Repeat("私", 70)
	assert.Len(t, Segment(text), 1, "70 UCS-2 code units fit one segment")

	segs := Segment(strings.Repeat("私", 71))
	require.Len(t, segs, 2)
	assert.Equal(t, 67, len([]rune(segs[0])), "multipart UCS-2 segments carry 67 code units")
}

func TestSegment_EmojiNotSplitAcrossSegments(t *testing.T) {
	// Each emoji is a surrogate pair: two UTF-16 code units.
	text := strings.Repeat("🙂", 40)
	segs := Segment(text)
	require.Len(t, segs, 2)
	for _, s := range segs {
		assert.True(t, len([]rune(s))*2 <= ucs2MultiLimit+1, "segment within limits")
		for _, r := range s {
			assert.Equal(t, '🙂', r, "surrogate pairs must not be torn apart")
		}
	}
}

func TestGateway_SingleSendOneCorrelation(t *testing.T) {
	stub := NewStubProvider()
	g := New(stub, nil, []string{"+15550001111"})

	receipt, err := g.Send(context.Background(), "+15551234567", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Segments)
	require.Len(t, receipt.ProviderIDs, 1)

	segs := stub.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, "+15550001111", segs[0].From)
	assert.Equal(t, "+15551234567", segs[0].To)
}

func TestGateway_MultipartSharesCorrelationID(t *testing.T) {
	stub := NewStubProvider()
	g := New(stub, nil, []string{"+15550001111"})

	long := strings.Repeat("reply parts. ", 30)
	receipt, err := g.Send(context.Background(), "+15551234567", long)
	require.NoError(t, err)
	require.Greater(t, receipt.Segments, 1)

	segs := stub.Segments()
	require.Len(t, segs, receipt.Segments)
	for i, s := range segs {
		assert.Equal(t, receipt.CorrelationID, s.CorrelationID, "all parts share the correlation ID")
		assert.Equal(t, i+1, s.Part, "parts arrive in order")
		assert.Equal(t, receipt.Segments, s.Total)
	}
	assert.Equal(t, []string{long}, stub.SentTo("+15551234567"))
}

func TestGateway_SendFailureIsTyped(t *testing.T) {
	stub := NewStubProvider()
	stub.FailWith(&SendError{Code: "21211", Message: "invalid number", Temporary: false})
	g := New(stub, nil, []string{"+15550001111"})

	_, err := g.Send(context.Background(), "bogus", "hello")
	require.Error(t, err)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Transient())
}

func TestGateway_SenderPoolStablePerDestination(t *testing.T) {
	stub := NewStubProvider()
	pool := []string{"+15550001111", "+15550002222", "+15550003333"}
	g := New(stub, nil, pool)

	for i := 0; i < 3; i++ {
		_, err := g.Send(context.Background(), "+15551234567", "hi")
		require.NoError(t, err)
	}
	segs := stub.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, segs[0].From, segs[1].From)
	assert.Equal(t, segs[1].From, segs[2].From, "a destination always maps to the same sender")
	assert.Contains(t, pool, segs[0].From)
}
