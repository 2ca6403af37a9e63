// Package queuelock implements a FIFO mutual-exclusion lock coordinated
// through a shared key-value store.
//
// Every lock key maps to one stored blob holding the queue of tickets. Lock
// appends a ticket and, unless it landed at the head, polls until the ticket
// right before it is gone. Release pops the head. The blob expires
// after the TTL of the ticket last written, so a crashed holder eventually
// stops blocking everyone else.
//
// The read-modify-write on the blob is serialized by a Gate, a single
// capacity-1 semaphore shared by every key of the coordinators it is given
// to. Gates do not span processes: for multi-process deployments use a
// store that implements store.Updater (store.Redis does), which makes each
// mutation atomic on the server.
package queuelock
