// Package lock provides a distributed mutual-exclusion lock on top of a shared
// key-value store. Acquisition is a single conditional set with expiry and
// release is a single compare-and-delete, so ownership can never be
// misattributed between two store calls. Locks self-expire; long critical
// sections extend them or pair them with a fencing token.
package lock
