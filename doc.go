/*
Package nsq is a client library for NSQ: the TCP connection engine and the
consumer/producer state machines layered on top of it.

A Conn owns one duplex socket to nsqd and multiplexes command/response
traffic (correlated in FIFO order) with the unsolicited message stream,
answering heartbeats autonomously and transparently replaying its
IDENTIFY/AUTH handshake and subscription after a transport failure.

Reader consumes a (topic, channel) pair across every nsqd producing it,
discovering producers via nsqlookupd and distributing RDY flow-control
credits across connections. Writer publishes via PUB/MPUB/DPUB over a pool
of lazily dialled connections with address fallback.
*/
package nsq
