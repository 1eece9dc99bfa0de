package domain

import "time"

// Node - a storage node's identity and last known health snapshot.
//
// Values are replaced whole on every change; holders of a Node never see it mutate.
type Node struct {
	ID                  string    `json:"id" dynamodbav:"id"`
	Name                string    `json:"name" dynamodbav:"name"`
	Address             string    `json:"address" dynamodbav:"address"`
	IsHealthy           bool      `json:"is_healthy" dynamodbav:"is_healthy"`
	TotalSpace          int64     `json:"total_space" dynamodbav:"total_space"`
	FreeSpace           int64     `json:"free_space" dynamodbav:"free_space"`
	UsedSpace           int64     `json:"used_space" dynamodbav:"used_space"`
	ObjectCount         int64     `json:"object_count" dynamodbav:"object_count"`
	ConsecutiveFailures int       `json:"consecutive_failures" dynamodbav:"consecutive_failures"`
	LastSeenAt          time.Time `json:"last_seen_at" dynamodbav:"last_seen_at"`
	CreatedAt           time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Capacity is the space report a node returns from a health probe.
type Capacity struct {
	TotalSpace  int64
	FreeSpace   int64
	UsedSpace   int64
	ObjectCount int64
}

// CapacityKnown reports whether the node has ever reported its total space.
func (n Node) CapacityKnown() bool {
	return n.TotalSpace > 0
}

// FreeFraction returns free/total space, or 0 when capacity is unknown.
func (n Node) FreeFraction() float64 {
	if !n.CapacityKnown() {
		return 0
	}
	return float64(n.FreeSpace) / float64(n.TotalSpace)
}
