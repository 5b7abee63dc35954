package daraja

import (
	"encoding/base64"
	"time"
)

// businessLocation is the fixed timezone the gateway expects password
// timestamps in, regardless of where the service runs.
var businessLocation = loadBusinessLocation()

func loadBusinessLocation() *time.Location {
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		// EAT has no daylight saving, a fixed offset is equivalent.
		return time.FixedZone("EAT", 3*60*60)
	}
	return loc
}

// Timestamp formats wall-clock time in the business timezone as the
// 14-digit YYYYMMDDHHMMSS string the gateway requires, zero padded.
func Timestamp(t time.Time) string {
	return t.In(businessLocation).Format("20060102150405")
}

// Password builds the gateway password: base64 of shortcode + passkey +
// timestamp.
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}
