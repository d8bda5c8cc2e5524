package writer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSinkStoresAndPublishes(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisCandleSinkFromClient(client, time.Hour, "tickflow:candles")

	c := testCandle("BTCUSDT", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	data, err := json.Marshal(c)
	require.NoError(t, err)

	mock.ExpectGet("tickflow:candle:BTCUSDT").RedisNil()
	mock.ExpectSet("tickflow:candle:BTCUSDT", string(data), time.Hour).SetVal("OK")
	mock.ExpectPublish("tickflow:candles", string(data)).SetVal(1)

	require.NoError(t, sink.Write(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSinkKeepsNewerCandle(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisCandleSinkFromClient(client, time.Hour, "tickflow:candles")

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	newer, err := json.Marshal(testCandle("BTCUSDT", base.Add(time.Minute)))
	require.NoError(t, err)
	old := testCandle("BTCUSDT", base)
	oldData, err := json.Marshal(old)
	require.NoError(t, err)

	mock.ExpectGet("tickflow:candle:BTCUSDT").SetVal(string(newer))
	mock.ExpectPublish("tickflow:candles", string(oldData)).SetVal(1)

	require.NoError(t, sink.Write(context.Background(), old))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSinkSetError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisCandleSinkFromClient(client, time.Minute, "")

	c := testCandle("ETHUSDT", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	data, err := json.Marshal(c)
	require.NoError(t, err)

	mock.ExpectGet("tickflow:candle:ETHUSDT").RedisNil()
	mock.ExpectSet("tickflow:candle:ETHUSDT", string(data), time.Minute).SetErr(errors.New("READONLY"))

	err = sink.Write(context.Background(), c)
	assert.ErrorContains(t, err, "READONLY")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCandleKey(t *testing.T) {
	assert.Equal(t, "tickflow:candle:BTCUSDT", LatestCandleKey("btcusdt"))
}
