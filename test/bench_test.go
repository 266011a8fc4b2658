package test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"

	"looprpc/client"
	"looprpc/codec"
	"looprpc/config"
	"looprpc/eventloop"
	"looprpc/message"
	"looprpc/server"
)

// ---- setup shared by the benchmarks ----

func setupServerAndClient(b *testing.B, addr string) (*eventloop.Loop, *client.Client) {
	loop := eventloop.New(eventloop.WithLogger(logr.Discard()))
	b.Cleanup(loop.Close)

	srv, err := server.New(loop, config.New(addr))
	if err != nil {
		b.Fatal(err)
	}
	if _, err := srv.RegisterService(&Arith{}, nil); err != nil {
		b.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { srv.Close() })

	cli, err := client.New(loop, &config.Config{Address: srv.Addr(), PerfMode: config.HighThroughput})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { cli.Close() })
	return loop, cli
}

func addPayload(b *testing.B) []byte {
	payload, err := json.Marshal(&Args{A: 1, B: 2})
	if err != nil {
		b.Fatal(err)
	}
	return payload
}

// Scenario 1: one call in flight at a time
func benchmarkSerialCall(b *testing.B, addr string) {
	_, cli := setupServerAndClient(b, addr)
	payload := addPayload(b)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cli.Invoke("Arith.Add", payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSerialCallInproc(b *testing.B) { benchmarkSerialCall(b, "inproc://bench-serial") }

func BenchmarkSerialCallTCP(b *testing.B) { benchmarkSerialCall(b, "tcp://127.0.0.1:0") }

// Scenario 2: a window of calls in flight, the multiplexing case
func benchmarkPipelinedCall(b *testing.B, addr string) {
	const window = 256

	loop, cli := setupServerAndClient(b, addr)
	payload := addPayload(b)
	b.ResetTimer()

	sent, done := 0, 0
	var cb func([]byte, error)
	cb = func(_ []byte, err error) {
		if err != nil {
			b.Error(err)
		}
		done++
		if sent < b.N {
			sent++
			if _, err := cli.Call("Arith.Add", payload, cb); err != nil {
				b.Error(err)
			}
		}
	}
	for sent < b.N && sent < window {
		sent++
		if _, err := cli.Call("Arith.Add", payload, cb); err != nil {
			b.Fatal(err)
		}
	}
	loop.RunUntil(func() bool { return done == b.N || b.Failed() })
}

func BenchmarkPipelinedCallInproc(b *testing.B) { benchmarkPipelinedCall(b, "inproc://bench-pipelined") }

func BenchmarkPipelinedCallTCP(b *testing.B) { benchmarkPipelinedCall(b, "tcp://127.0.0.1:0") }

// Scenario 3: frame codec alone, no network
func BenchmarkFrameCodec(b *testing.B) {
	f := &message.Frame{
		Kind:    message.KindRequest,
		ID:      1,
		Method:  "Arith.Add",
		Payload: []byte(`{"A":1,"B":2}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := codec.EncodeFrame(f)
		var out message.Frame
		codec.DecodeFrame(data, &out)
	}
}

// Scenario 4: broadcast codec alone, no network
func BenchmarkBroadcastCodec(b *testing.B) {
	f := &message.BroadcastFrame{
		Topic:   "weather",
		Payload: []byte{0xAA},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := codec.EncodeBroadcast(f)
		var out message.BroadcastFrame
		codec.DecodeBroadcast(data, &out)
	}
}
