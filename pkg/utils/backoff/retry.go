/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
)

func Retry(f backoff.Operation, maxElapsedTime, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsedTime
	b.MaxInterval = maxInterval
	if err := backoff.Retry(f, b); err != nil {
		return err
	}
	return nil
}

// ConflictRetry retries f while it keeps failing with a placement conflict,
// up to count attempts with a fixed interval between them.
func ConflictRetry(f backoff.Operation, count int, interval time.Duration) error {
	var err error
	for i := 0; i < count; i++ {
		if err = f(); err == nil {
			return nil
		}
		if !podexerrors.IsPlacementConflict(err) {
			return err
		}
		if i < count-1 {
			time.Sleep(interval)
		}
	}
	return err
}
