// Package cluster defines the types shared between the shuffle manager, the
// executors that report to it, and the coordinators it asks for shuffle
// servers, together with the small HTTP/JSON helpers used to exchange them.
//
// # Overview
//
// Every message is plain JSON over HTTP:
//
//	executor ──POST /shuffle/write-failure──▶ shuffle manager
//	executor ──POST /shuffle/fetch-failure──▶ shuffle manager
//	executor ──POST /shuffle/partition-servers─▶ shuffle manager
//	driver   ──POST /shuffle/reassign───────▶ shuffle manager
//	shuffle manager ──GET /servers──────────▶ coordinator
//
// # Status Codes
//
// Responses never use HTTP errors for domain outcomes. A decoded request is
// always answered 200 with a StatusCode:
//
//	SUCCESS          request processed, see the decision fields
//	INVALID_REQUEST  request rejected, no state was changed
//
// Transport problems (bad JSON, unreachable peer, non-2xx) surface as Go
// errors from PostJSON, GetJSON and DeleteJSON; a non-2xx answer is a
// *StatusError.
//
// # Shuffle Handles
//
// ShuffleHandleInfo is the static metadata of a registered shuffle. Its
// PartitionToServers map is replaced wholesale on reassignment, never edited
// in place; Clone returns a copy that shares nothing with the original.
package cluster
