package logbook

import (
	"fmt"
	"strings"
	"time"
)

// Contact models one logged radio exchange between the local operator and a
// correspondent station.
type Contact struct {
	OperatorCallsign      string
	Timestamp             int64
	FrequencyHz           int64
	CorrespondentCallsign string
	CorrespondentGrid     string
	Comment               string
	Mode                  string
	RelayName             string
	RelayOperator         string
}

// RawRow mirrors one row of the qso_logs source schema produced by the bulk
// decoder and by the remote device API.
type RawRow struct {
	Timestamp    int64  `gorm:"column:timestamp" json:"timestamp"`
	FreqHz       int64  `gorm:"column:freqHz" json:"freqHz"`
	FromCallsign string `gorm:"column:fromCallsign" json:"fromCallsign"`
	FromGrid     string `gorm:"column:fromGrid" json:"fromGrid"`
	ToCallsign   string `gorm:"column:toCallsign" json:"toCallsign"`
	ToGrid       string `gorm:"column:toGrid" json:"toGrid"`
	ToComment    string `gorm:"column:toComment" json:"toComment"`
	Mode         string `gorm:"column:mode" json:"mode"`
	RelayName    string `gorm:"column:relayName" json:"relayName"`
	RelayAdmin   string `gorm:"column:relayAdmin" json:"relayAdmin"`
}

// Normalize converts a raw source row into the canonical Contact entity.
// Optional fields may be empty; no validation happens here.
func Normalize(row RawRow) Contact {
	return Contact{
		OperatorCallsign:      strings.TrimSpace(row.FromCallsign),
		Timestamp:             row.Timestamp,
		FrequencyHz:           row.FreqHz,
		CorrespondentCallsign: strings.TrimSpace(row.ToCallsign),
		CorrespondentGrid:     row.ToGrid,
		Comment:               row.ToComment,
		Mode:                  row.Mode,
		RelayName:             row.RelayName,
		RelayOperator:         row.RelayAdmin,
	}
}

// UTCDate returns the YYYY-MM-DD calendar date of a unix timestamp in UTC.
// Dedup and daily grouping use UTC calendar fields so results agree across
// viewer timezones.
func UTCDate(timestamp int64) string {
	return time.Unix(timestamp, 0).UTC().Format("2006-01-02")
}

// DedupKey identifies a contact within one operator partition: at most one
// contact per (UTC day, correspondent) pair.
func DedupKey(timestamp int64, correspondent string) string {
	return UTCDate(timestamp) + "_" + correspondent
}

// StartOfTodayUTC returns the unix timestamp of 00:00:00 UTC on the given
// clock's current day.
func StartOfTodayUTC(now time.Time) int64 {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// FormatFrequency renders a stored frequency for display. The device stores
// frequency scaled so that MHz = freqHz / 10000.
func FormatFrequency(freqHz int64) string {
	if freqHz == 0 {
		return ""
	}
	return fmt.Sprintf("%.4f", float64(freqHz)/10000)
}

// FormatTimestamp renders a unix timestamp as a local date-time string.
func FormatTimestamp(timestamp int64) string {
	if timestamp == 0 {
		return ""
	}
	return time.Unix(timestamp, 0).Format("2006-01-02 15:04:05")
}
