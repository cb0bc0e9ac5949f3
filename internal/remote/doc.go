// Package remote connects a debugging session to a front-end over TCP.
//
// The engine dials the front-end (Dial, Factory); the front-end listens and
// accepts one engine (Listen, Accept). Messages use the framing of package
// wire. The engine side is a debug.Channel: it forwards stops, state
// changes and output, and applies front-end requests to the session in the
// order they arrive. Losing the connection or receiving a malformed message
// quits the session, releasing a script stopped at a break.
package remote
