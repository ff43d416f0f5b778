package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/thingskit/go-cache/model"
)

func TestKeyGenerators(t *testing.T) {
	limit := 25
	area := "9F21A1D3-0000-4000-8000-000000000001"

	assert.Equal(t, "inbox:all", InboxKey(nil))
	assert.Equal(t, "inbox:25", InboxKey(&limit))
	assert.Equal(t, "today:all", TodayKey(nil))
	assert.Equal(t, "today:25", TodayKey(&limit))
	assert.Equal(t, "projects:all", ProjectsKey(nil))
	assert.Equal(t, "projects:"+area, ProjectsKey(&area))
	assert.Equal(t, "areas:all", AreasKey())
	assert.Equal(t, "search:report:all", SearchKey("report", nil))
	assert.Equal(t, "search:report:25", SearchKey("report", &limit))
}

func TestTaskDependencies(t *testing.T) {
	task := testTask("a")
	project := testProject("p")
	task.ProjectUUID = &project.UUID

	deps := TaskDependencies([]model.Task{task})
	assert.Len(t, deps, 2)
	assert.Equal(t, model.EntityTask, deps[0].EntityType)
	assert.Equal(t, task.UUID, *deps[0].EntityID)
	assert.Contains(t, deps[0].InvalidatingOperations, model.OpTaskCompleted)
	assert.Equal(t, model.EntityProject, deps[1].EntityType)
	assert.Equal(t, project.UUID, *deps[1].EntityID)
}

func TestProjectDependencies(t *testing.T) {
	project := testProject("p")
	area := testArea("work")
	project.AreaUUID = &area.UUID

	deps := ProjectDependencies([]model.Project{project})
	assert.Len(t, deps, 2)
	assert.Equal(t, model.EntityProject, deps[0].EntityType)
	assert.Equal(t, model.EntityArea, deps[1].EntityType)
	assert.Equal(t, area.UUID, *deps[1].EntityID)
}

func TestEntryHasDependency(t *testing.T) {
	task := testTask("a")
	entry := newEntry([]model.Task{task}, time.Minute, TaskDependencies([]model.Task{task}))

	id := task.UUID
	assert.True(t, entry.HasDependency(model.EntityTask, &id))
	assert.True(t, entry.HasDependency(model.EntityTask, nil))
	other := uuid.New()
	assert.False(t, entry.HasDependency(model.EntityTask, &other))
	assert.False(t, entry.HasDependency(model.EntityProject, nil))
}

func TestAreaDependencies(t *testing.T) {
	area := testArea("work")
	deps := AreaDependencies([]model.Area{area})
	assert.Len(t, deps, 1)
	assert.Equal(t, model.EntityArea, deps[0].EntityType)
	assert.Equal(t, area.UUID, *deps[0].EntityID)
}
