package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarium.evalgo.org/internal/dataframe"
)

func TestParseKVAddress(t *testing.T) {
	db, store, key, ok := ParseKVAddress("clarium.store.sessions.user:42")
	require.True(t, ok)
	assert.Equal(t, "clarium", db)
	assert.Equal(t, "sessions", store)
	assert.Equal(t, "user:42", key, "embedded colons in the key are part of the key")
}

func TestParseKVAddressRejectsNonKVPaths(t *testing.T) {
	_, _, _, ok := ParseKVAddress("public/events")
	assert.False(t, ok)
}

func TestSplitQualified(t *testing.T) {
	assert.Equal(t, []string{"public", "events"}, []string(splitQualified("events")))
	assert.Equal(t, []string{"analytics", "events"}, []string(splitQualified("analytics/events")))
	assert.Equal(t, []string{"analytics", "events"}, []string(splitQualified("clarium/analytics/events")))
}

func TestPgTypeForRoundTripsEveryKind(t *testing.T) {
	cases := map[dataframe.Kind]string{
		dataframe.KindBool:     "boolean",
		dataframe.KindI64:      "bigint",
		dataframe.KindF64:      "double precision",
		dataframe.KindString:   "text",
		dataframe.KindBytes:    "bytea",
		dataframe.KindDatetime: "timestamptz",
		dataframe.KindDate:     "date",
		dataframe.KindTime:     "time",
		dataframe.KindDuration: "bigint",
		dataframe.KindList:     "jsonb",
	}
	for kind, want := range cases {
		assert.Equal(t, want, pgTypeFor(kind))
	}
}

func TestKindForOIDKnownAndUnknown(t *testing.T) {
	assert.Equal(t, dataframe.KindBool, kindForOID(16))
	assert.Equal(t, dataframe.KindI64, kindForOID(20))
	assert.Equal(t, dataframe.KindF64, kindForOID(701))
	assert.Equal(t, dataframe.KindDatetime, kindForOID(1184))
	assert.Equal(t, dataframe.KindString, kindForOID(999999))
}

func TestPgValueToDFAndBack(t *testing.T) {
	now := time.Now()
	assert.Equal(t, dataframe.I64(7), pgValueToDF(int32(7), dataframe.KindI64))
	assert.Equal(t, dataframe.Str("hi"), pgValueToDF("hi", dataframe.KindString))
	assert.True(t, pgValueToDF(nil, dataframe.KindI64).IsNull())

	v := dataframe.DateTime(now)
	assert.Equal(t, now, dfValueToPG(v))
	assert.Nil(t, dfValueToPG(dataframe.Null(dataframe.KindString)))
}

func TestIsBareTableName(t *testing.T) {
	assert.True(t, isBareTableName("analytics/events"))
	assert.False(t, isBareTableName("monthly_summary"))
}

func TestParseTVFCall(t *testing.T) {
	call, ok := parseTVFCall("graph_neighbors('social', 'person:alice', NULL, 2)")
	require.True(t, ok)
	assert.Equal(t, "graph_neighbors", call.Name)
	require.Len(t, call.Args, 4)
	assert.Equal(t, "social", argString(call.Args[0]))
	assert.Equal(t, "person:alice", argString(call.Args[1]))
	assert.Equal(t, "", argString(call.Args[2]))
	assert.Equal(t, 2, argInt(call.Args[3], 1))
}

func TestParseTVFCallRejectsNonCallText(t *testing.T) {
	_, ok := parseTVFCall("analytics/events")
	assert.False(t, ok)
}

func TestParseTVFCallRejectsUnknownFunction(t *testing.T) {
	_, ok := parseTVFCall("vec_search('x', 'y')")
	assert.False(t, ok)
}

func TestSplitTopLevelArgsHandlesQuotedCommas(t *testing.T) {
	args := splitTopLevelArgs("'a, b', 2, 'c'")
	require.Len(t, args, 3)
	assert.Equal(t, "'a, b'", args[0])
	assert.Equal(t, "2", args[1])
	assert.Equal(t, "'c'", args[2])
}
