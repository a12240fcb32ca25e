/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package timeutil

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	TimeRFC3339Short = "2006-01-02T15:04:05"
)

func CvtStrUnixToTime(strTime string) time.Time {
	if strTime == "" {
		return time.Time{}
	}
	intTime, err := strconv.ParseInt(strTime, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(intTime, 0).UTC()
}

func CvtTimeToStrUnix(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func FormatRFC3339(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(TimeRFC3339Short)
}

func ParseCronStandard(scheduleStr string) (cron.Schedule, error) {
	if scheduleStr == "" {
		return nil, fmt.Errorf("invalid input")
	}
	return cron.ParseStandard(scheduleStr)
}
