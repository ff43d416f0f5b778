package model

// Entity type names used in cache dependencies and invalidation events.
const (
	EntityTask    = "task"
	EntityProject = "project"
	EntityArea    = "area"
)

// Operation names emitted by the write layer after a successful mutation.
const (
	OpTaskCreated    = "task_created"
	OpTaskUpdated    = "task_updated"
	OpTaskDeleted    = "task_deleted"
	OpTaskCompleted  = "task_completed"
	OpProjectCreated = "project_created"
	OpProjectUpdated = "project_updated"
	OpProjectDeleted = "project_deleted"
	OpAreaCreated    = "area_created"
	OpAreaUpdated    = "area_updated"
	OpAreaDeleted    = "area_deleted"
)
