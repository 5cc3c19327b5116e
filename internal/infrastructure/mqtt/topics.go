package mqtt

import (
	"fmt"
	"strings"
)

// Topic kinds used in the per-locker namespace {prefix}/{locker_id}/{kind}/...
const (
	KindStatus   = "status"
	KindCommand  = "command"
	KindRequest  = "request"
	KindResponse = "response"
)

// Topics builds locker and system topic names for one configured namespace.
//
//	t := mqtt.NewTopics("lockers", "parcelhub/system")
//	t.LockerStatus("L1")            // lockers/L1/status
//	t.Command("L1", "unlock", 2)    // lockers/L1/command/unlock/2
type Topics struct {
	Prefix string
	System string
}

// NewTopics returns a builder for the given prefixes. Trailing slashes are
// trimmed.
func NewTopics(prefix, system string) Topics {
	return Topics{
		Prefix: strings.TrimRight(prefix, "/"),
		System: strings.TrimRight(system, "/"),
	}
}

// LockerStatus is the topic a locker publishes its status reports on.
func (t Topics) LockerStatus(lockerID string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix, lockerID, KindStatus)
}

// AllLockerStatus matches the status topic of every locker.
func (t Topics) AllLockerStatus() string {
	return fmt.Sprintf("%s/+/%s", t.Prefix, KindStatus)
}

// Command is the topic a box-level action is published to.
func (t Topics) Command(lockerID, action string, boxID int) string {
	return fmt.Sprintf("%s/%s/%s/%s/%d", t.Prefix, lockerID, KindCommand, action, boxID)
}

// Request is the topic for locker-level requests such as a box data refresh.
func (t Topics) Request(lockerID, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Prefix, lockerID, KindRequest, name)
}

// Response is the topic a locker answers a command or request on.
func (t Topics) Response(lockerID, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Prefix, lockerID, KindResponse, name)
}

// AllResponses matches every response from every locker.
func (t Topics) AllResponses() string {
	return fmt.Sprintf("%s/+/%s/+", t.Prefix, KindResponse)
}

// SystemStatus is the retained online/offline topic for this service.
func (t Topics) SystemStatus() string {
	return t.System + "/status"
}

// LockerTopic is a parsed per-locker topic.
type LockerTopic struct {
	LockerID string
	Kind     string
	// Rest holds any levels after Kind, e.g. ["unlock", "2"] for a command.
	Rest []string
}

// Parse splits a topic in this namespace. It returns false for topics
// outside the prefix or without a locker id and kind.
func (t Topics) Parse(topic string) (LockerTopic, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return LockerTopic{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return LockerTopic{}, false
	}
	return LockerTopic{LockerID: parts[0], Kind: parts[1], Rest: parts[2:]}, true
}
