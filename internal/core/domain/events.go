package domain

import "time"

type PositionUpdate struct {
	ClientID string  `json:"clientId"`
	Label    string  `json:"label"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

type Knock struct {
	From      string `json:"from"`
	FromLabel string `json:"fromLabel"`
	To        string `json:"to"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type DrawingEvent struct {
	ClientID  string  `json:"clientId,omitempty"`
	Tool      string  `json:"tool"`
	Color     string  `json:"color"`
	BrushSize float64 `json:"brushSize"`
	From      Point   `json:"from"`
	To        Point   `json:"to"`
}

type ChatMessage struct {
	ClientID string    `json:"clientId"`
	Label    string    `json:"label"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sentAt"`
}
