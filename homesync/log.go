package homesync

// Logging convention in the `homesync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connectivity transitions and feed reconnects
//     - mutations reaching a terminal failed state
//     - conflicts parked for user resolution
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (V(1), V(2)):
//     key events for trace debugging
//     this includes:
//     - per-mutation send, ack, retry, conflict events, tagged with ids that can be used to filter
//     - feed events and merge decisions
//
// tags: [ml] mutation log, [nm] network monitor, [rm] read model,
// [sd] dispatcher, [cr] conflict resolver, [rmc] feed consumer
