package domain

import "sort"

// Entity is a logical dataset callers may query. Each entity maps to one
// storage table with a fixed allowed-column set; fields outside that set
// are rejected during validation, never passed through.
type Entity string

const (
	EntityWorkItems   Entity = "work_items"
	EntitySprints     Entity = "sprints"
	EntityTransitions Entity = "transitions"
)

// Entities lists every queryable entity, for error detail.
func Entities() []string {
	return []string{
		string(EntityWorkItems), string(EntitySprints), string(EntityTransitions),
	}
}

var entityTables = map[Entity]string{
	EntityWorkItems:   "work_items",
	EntitySprints:     "sprints",
	EntityTransitions: "issue_transitions",
}

var entityDateFields = map[Entity]string{
	EntityWorkItems:   "created_at",
	EntitySprints:     "started_at",
	EntityTransitions: "occurred_at",
}

var entityFields = map[Entity]map[string]struct{}{
	EntityWorkItems: {
		"project_key": {}, "issue_key": {}, "issue_type": {}, "status": {},
		"priority": {}, "assignee": {}, "story_points": {}, "sprint_id": {},
		"created_at": {}, "updated_at": {}, "resolved_at": {},
	},
	EntitySprints: {
		"project_key": {}, "sprint_name": {}, "state": {},
		"started_at": {}, "completed_at": {},
		"committed_points": {}, "completed_points": {}, "velocity": {},
	},
	EntityTransitions: {
		"project_key": {}, "issue_key": {}, "from_status": {}, "to_status": {},
		"occurred_at": {}, "time_in_from_status_secs": {},
	},
}

// Valid reports whether e names a queryable entity.
func (e Entity) Valid() bool {
	_, ok := entityTables[e]
	return ok
}

// Table returns the storage table backing the entity.
func (e Entity) Table() string {
	return entityTables[e]
}

// DateField returns the column date_range filters apply to.
func (e Entity) DateField() string {
	return entityDateFields[e]
}

// HasField reports whether field belongs to the entity's allowed-column set.
func (e Entity) HasField(field string) bool {
	fields, ok := entityFields[e]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// Fields returns the entity's allowed-column set in sorted order, for
// error detail and catalog summaries.
func (e Entity) Fields() []string {
	fields := entityFields[e]
	out := make([]string, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
