package email

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/collabhub/activity/internal/activity/bucket"
)

const bucketPrefix = "oae-activity-email"

// bucketID builds the persisted key a user is enrolled under:
// "oae-activity-email:{n}:{preference}[:{day}][:{hour}]" (spec §4.9). day
// and hour are the tenant's configured digest time shifted by the
// recipient's timezone offset, already resolved by the caller; they are
// omitted for IMMEDIATE, included only as day for WEEKLY's day-window
// check, and included as hour for both DAILY and WEEKLY.
func bucketID(n int, pref Preference, day time.Weekday, hour int) string {
	key := strconv.Itoa(bucket.Number(fmt.Sprintf("%s:%d", pref, hour), n))
	switch pref {
	case PreferenceDaily:
		return strings.Join([]string{bucketPrefix, key, string(pref), strconv.Itoa(hour)}, ":")
	case PreferenceWeekly:
		return strings.Join([]string{bucketPrefix, key, string(pref), strconv.Itoa(int(day)), strconv.Itoa(hour)}, ":")
	default:
		return strings.Join([]string{bucketPrefix, key, string(pref)}, ":")
	}
}

// parsedBucket is a decomposed bucket id, used when enumerating the
// buckets due for collection this cycle.
type parsedBucket struct {
	ID         string
	Preference Preference
	Day        time.Weekday
	Hour       int
}

// parseBucketID decomposes a bucket id built by bucketID. ok is false for
// a malformed id, which the collection loop skips rather than fails on.
func parseBucketID(id string) (parsedBucket, bool) {
	parts := strings.Split(id, ":")
	if len(parts) < 3 || parts[0] != bucketPrefix {
		return parsedBucket{}, false
	}
	pb := parsedBucket{ID: id, Preference: Preference(parts[2])}
	switch pb.Preference {
	case PreferenceDaily:
		if len(parts) != 4 {
			return parsedBucket{}, false
		}
		hour, err := strconv.Atoi(parts[3])
		if err != nil {
			return parsedBucket{}, false
		}
		pb.Hour = hour
	case PreferenceWeekly:
		if len(parts) != 5 {
			return parsedBucket{}, false
		}
		day, err := strconv.Atoi(parts[3])
		if err != nil {
			return parsedBucket{}, false
		}
		hour, err := strconv.Atoi(parts[4])
		if err != nil {
			return parsedBucket{}, false
		}
		pb.Day, pb.Hour = time.Weekday(day), hour
	case PreferenceImmediate:
		if len(parts) != 3 {
			return parsedBucket{}, false
		}
	default:
		return parsedBucket{}, false
	}
	return pb, true
}

// dueThisCycle reports whether pb should be collected given now, per spec
// §4.9: IMMEDIATE every cycle; DAILY only the cycle whose UTC hour rolls
// over pb.Hour; WEEKLY additionally requires pb.Day within ±1 of now's
// UTC weekday.
func dueThisCycle(pb parsedBucket, previous, now time.Time) bool {
	switch pb.Preference {
	case PreferenceImmediate:
		return true
	case PreferenceDaily:
		return hourRolledOver(previous, now, pb.Hour)
	case PreferenceWeekly:
		if !hourRolledOver(previous, now, pb.Hour) {
			return false
		}
		return withinOneDay(now.UTC().Weekday(), pb.Day)
	default:
		return false
	}
}

// hourRolledOver reports whether some hour boundary H:00 with H==targetHour
// falls in (previous, now]. Computed from the whole-hour count since the
// Unix epoch rather than a minute-by-minute scan, so it stays cheap
// regardless of the gap between polls.
func hourRolledOver(previous, now time.Time, targetHour int) bool {
	previous, now = previous.UTC(), now.UTC()
	if !now.After(previous) {
		return false
	}
	firstHour := previous.Truncate(time.Hour).Add(time.Hour)
	hoursElapsed := int(now.Truncate(time.Hour).Sub(firstHour)/time.Hour) + 1
	if hoursElapsed <= 0 {
		return false
	}
	if hoursElapsed >= 24 {
		return true
	}
	return hoursContainTarget(firstHour, hoursElapsed, targetHour)
}

func hoursContainTarget(firstHour time.Time, hoursElapsed, targetHour int) bool {
	for i := 0; i < hoursElapsed; i++ {
		if (firstHour.Hour()+i)%24 == targetHour {
			return true
		}
	}
	return false
}

func withinOneDay(actual, target time.Weekday) bool {
	diff := (int(actual) - int(target) + 7) % 7
	return diff == 0 || diff == 1 || diff == 6
}

// triggerUTC converts the tenant's configured local digest hour/day into
// the UTC hour/day at which the collection loop must fire for a recipient
// at offsetMinutes (minutes east of UTC) so the digest arrives at the
// tenant's configured local hour (spec §4.9). Subtracting the offset maps
// local wall-clock time back to UTC.
func triggerUTC(localHour int, localDay time.Weekday, offsetMinutes int) (hour int, day time.Weekday) {
	totalMinutes := localHour*60 - offsetMinutes
	days := 0
	for totalMinutes < 0 {
		totalMinutes += 24 * 60
		days--
	}
	for totalMinutes >= 24*60 {
		totalMinutes -= 24 * 60
		days++
	}
	hour = totalMinutes / 60
	day = time.Weekday((int(localDay) + days + 7) % 7)
	return hour, day
}
