// Package messaging carries raw event envelopes from producers to the
// recorder.
//
// A Consumer delivers each Message to a Handler at least once: a nil return
// acknowledges the message, an error leaves it for redelivery with a higher
// Attempt. Messages that keep failing are handed to a DeadLetterFunc.
//
// Two brokers are provided:
//   - MemoryBroker: a bounded in-process FIFO for single-process setups and tests
//   - RedisStream: Redis Streams with a consumer group (XREADGROUP/XACK/XAUTOCLAIM)
package messaging
