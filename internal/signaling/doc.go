// Package signaling contains the websocket surface of the conference server:
// one connection per participant, the join/leave lifecycle against the room
// registry, and the relay dispatcher that routes events to one participant,
// one room, or a whole room including the sender.
//
// The server never inspects relayed SDP or ICE payloads; it validates shape
// and addressing only.
package signaling
