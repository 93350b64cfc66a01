package sdpneg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate_PreservesLocalPreferenceOrder(t *testing.T) {
	local := []Codec{
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
		{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
		{PayloadType: 9, Name: "G722", ClockRate: 8000},
	}
	remote := []Codec{
		{PayloadType: 101, Name: "G722", ClockRate: 8000},
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	}
	result, err := Negotiate(local, remote)
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "PCMU", result[0].Name)
	assert.Equal(t, "G722", result[1].Name)
	assert.Equal(t, 101, result[1].PayloadType) // remote's PT number preserved
}

func TestNegotiate_NoCompatibleCodec(t *testing.T) {
	local := []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}}
	remote := []Codec{{PayloadType: 3, Name: "GSM", ClockRate: 8000}}
	_, err := Negotiate(local, remote)
	assert.ErrorIs(t, err, ErrNoCompatibleCodec)
}

func TestBuildOffer_ProducesParsableAnswerInput(t *testing.T) {
	codecs := []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}}
	desc, err := BuildOffer(12345, "192.0.2.1", 30000, codecs)
	require.NoError(t, err)
	plan, err := ParseAnswer(desc)
	require.NoError(t, err)
	require.Len(t, plan.Codecs, 1)
	assert.Equal(t, "PCMU", plan.Codecs[0].Name)
	assert.Equal(t, HoldNone, plan.Hold)
}

func TestParseAnswer_DetectsHoldViaZeroAddress(t *testing.T) {
	desc, err := BuildOffer(1, "0.0.0.0", 30000, []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}})
	require.NoError(t, err)
	plan, err := ParseAnswer(desc)
	require.NoError(t, err)
	assert.Equal(t, HoldZeroAddress, plan.Hold)
}

func TestT38Offer_RoundTrips(t *testing.T) {
	desc, err := BuildT38Offer(1, "192.0.2.1", 40000, T38Params{MaxBitRate: 14400, FaxUDPEC: "t38UDPRedundancy", MaxDatagram: 200})
	require.NoError(t, err)
	plan, err := ParseAnswer(desc)
	require.NoError(t, err)
	require.NotNil(t, plan.T38)
	assert.Equal(t, 14400, plan.T38.MaxBitRate)
	assert.Equal(t, 200, plan.T38.MaxDatagram)
	assert.Equal(t, "t38UDPRedundancy", plan.T38.FaxUDPEC)
}
