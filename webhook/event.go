package webhook

import "time"

// EventType tags course completion events on the queue.
const EventType = "edxmfe.course-completed"

// Event is the envelope forwarded for a course event.
type Event struct {
	Topic           string           `json:"topic"`
	CreatedAt       time.Time        `json:"created_at"`
	CourseCompleted *CourseCompleted `json:"course_completed,omitempty"`
}

// CourseCompleted carries the completion details the certificate
// service needs.
type CourseCompleted struct {
	Username string `json:"username"`
	CourseID string `json:"courseId"`
	Email    string `json:"email,omitempty"`
	Grade    string `json:"grade,omitempty"`
}
