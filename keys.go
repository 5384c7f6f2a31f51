// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// key layout of the shared store
const (
	keyDueQueue       = "due-queue"
	prefixJob         = "job:"
	prefixMonitorLock = "lock:monitor:"
	prefixRunLock     = "lock:run:"
	prefixUser        = "user:"
	prefixMarketplace = "marketplace:"
	prefixUserBucket  = "bucket:user:"
	prefixMpBucket    = "bucket:marketplace:"
	prefixThrottle    = "throttle:"
	prefixDedupe      = "dedupe:"
)

// keys namespaces every key with an optional prefix.
type keys struct {
	prefix string
}

func (k keys) dueQueue() string { return k.prefix + keyDueQueue }
func (k keys) job(id string) string { return k.prefix + prefixJob + id }
func (k keys) monitorLock(id string) string { return k.prefix + prefixMonitorLock + id }
// runLock splits at the last ':' since marketplace names never contain one.
func (k keys) runLock(id, mp string) string { return k.prefix + prefixRunLock + id + ":" + mp }
func (k keys) user(userID string) string { return k.prefix + prefixUser + userID }
func (k keys) marketplace(mp string) string { return k.prefix + prefixMarketplace + mp }
func (k keys) userBucket(userID string) string { return k.prefix + prefixUserBucket + userID }
func (k keys) marketplaceBucket(mp string) string { return k.prefix + prefixMpBucket + mp }
func (k keys) throttle(id string) string { return k.prefix + prefixThrottle + id }

// dedupe returns the marker key of a monitor for one interval bucket.
// The marketplace order does not matter.
func (k keys) dedupe(id string, bucket int64, marketplaces []string) string {
	mps := append([]string(nil), marketplaces...)
	sort.Strings(mps)
	sum := sha256.Sum256([]byte(id + "|" + strconv.FormatInt(bucket, 10) + "|" + strings.Join(mps, ",")))
	return k.prefix + prefixDedupe + hex.EncodeToString(sum[:])
}
