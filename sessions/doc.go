// Package sessions tracks the live MCP sessions admitted by the gateway.
//
// A Registry maps opaque session ids to Sessions. Each Session exclusively
// owns one Channel and records when it last routed a request. Expiry is
// evaluated lazily: Resume applies IsExpired on every inbound request, and an
// optional background sweeper (StartSweeper) reclaims sessions nobody comes
// back for. Removal is synchronous with the state transition, so a closed
// session is never observable through Lookup.
//
// The Registry holds its map lock only for map mutations; channel opening
// and closing always happen outside it.
package sessions
