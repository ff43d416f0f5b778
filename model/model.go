// Package model defines the task-management entities served by the cache
// tiers: tasks, projects, areas and tags.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task or project.
type TaskStatus string

const (
	StatusIncomplete TaskStatus = "incomplete"
	StatusCompleted  TaskStatus = "completed"
	StatusCanceled   TaskStatus = "canceled"
	StatusTrashed    TaskStatus = "trashed"
)

// TaskType distinguishes the row kinds stored in the backing database.
type TaskType string

const (
	TypeTodo    TaskType = "to-do"
	TypeProject TaskType = "project"
	TypeHeading TaskType = "heading"
	TypeArea    TaskType = "area"
)

// Task is the main task entity.
type Task struct {
	UUID        uuid.UUID  `json:"uuid" msgpack:"uuid"`
	Title       string     `json:"title" msgpack:"title"`
	TaskType    TaskType   `json:"task_type" msgpack:"task_type"`
	Status      TaskStatus `json:"status" msgpack:"status"`
	Notes       string     `json:"notes,omitempty" msgpack:"notes"`
	StartDate   *time.Time `json:"start_date,omitempty" msgpack:"start_date"`
	Deadline    *time.Time `json:"deadline,omitempty" msgpack:"deadline"`
	Created     time.Time  `json:"created" msgpack:"created"`
	Modified    time.Time  `json:"modified" msgpack:"modified"`
	StopDate    *time.Time `json:"stop_date,omitempty" msgpack:"stop_date"`
	ProjectUUID *uuid.UUID `json:"project_uuid,omitempty" msgpack:"project_uuid"`
	AreaUUID    *uuid.UUID `json:"area_uuid,omitempty" msgpack:"area_uuid"`
	ParentUUID  *uuid.UUID `json:"parent_uuid,omitempty" msgpack:"parent_uuid"`
	Tags        []string   `json:"tags,omitempty" msgpack:"tags"`
	Children    []Task     `json:"children,omitempty" msgpack:"children"`
}

// Project groups tasks, optionally under an area.
type Project struct {
	UUID      uuid.UUID  `json:"uuid" msgpack:"uuid"`
	Title     string     `json:"title" msgpack:"title"`
	Notes     string     `json:"notes,omitempty" msgpack:"notes"`
	StartDate *time.Time `json:"start_date,omitempty" msgpack:"start_date"`
	Deadline  *time.Time `json:"deadline,omitempty" msgpack:"deadline"`
	Created   time.Time  `json:"created" msgpack:"created"`
	Modified  time.Time  `json:"modified" msgpack:"modified"`
	AreaUUID  *uuid.UUID `json:"area_uuid,omitempty" msgpack:"area_uuid"`
	Tags      []string   `json:"tags,omitempty" msgpack:"tags"`
	Status    TaskStatus `json:"status" msgpack:"status"`
	Tasks     []Task     `json:"tasks,omitempty" msgpack:"tasks"`
}

// Area is a top-level grouping of projects and tasks.
type Area struct {
	UUID     uuid.UUID `json:"uuid" msgpack:"uuid"`
	Title    string    `json:"title" msgpack:"title"`
	Notes    string    `json:"notes,omitempty" msgpack:"notes"`
	Created  time.Time `json:"created" msgpack:"created"`
	Modified time.Time `json:"modified" msgpack:"modified"`
	Tags     []string  `json:"tags,omitempty" msgpack:"tags"`
	Projects []Project `json:"projects,omitempty" msgpack:"projects"`
}

// Tag is a label applied to tasks.
type Tag struct {
	UUID       uuid.UUID   `json:"uuid" msgpack:"uuid"`
	Title      string      `json:"title" msgpack:"title"`
	UsageCount int         `json:"usage_count" msgpack:"usage_count"`
	Tasks      []uuid.UUID `json:"tasks,omitempty" msgpack:"tasks"`
}
