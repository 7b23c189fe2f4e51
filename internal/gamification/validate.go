package gamification

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/moments-app/backend/internal/models"
)

var validate = validator.New()

// checkTemplate applies struct tags and the cross-field rules of a template.
// It does not look at other templates.
func checkTemplate(t *models.AchievementTemplate) error {
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	switch {
	case t.ConditionType == models.ConditionStreak && t.Timeframe == "":
		return errors.New("streak templates require a timeframe")
	case t.ConditionType == models.ConditionMilestone && t.IsRepeatable:
		return errors.New("milestone templates cannot be repeatable")
	case t.ConditionType == models.ConditionLocation && t.Location == nil:
		return errors.New("location templates require a location condition")
	case (t.ValidFrom == nil) != (t.ValidTo == nil):
		return errors.New("valid_from and valid_to must be set together")
	case t.ValidFrom != nil && !t.ValidFrom.Before(*t.ValidTo):
		return errors.New("valid_from must be before valid_to")
	}

	seen := make(map[string]bool, len(t.Prerequisites))
	for _, pid := range t.Prerequisites {
		switch {
		case strings.TrimSpace(pid) == "":
			return errors.New("prerequisite ids must not be empty")
		case pid == t.ID:
			return errors.New("a template cannot be its own prerequisite")
		case seen[pid]:
			return fmt.Errorf("duplicate prerequisite %s", pid)
		}
		seen[pid] = true
	}
	return nil
}

// findCycle returns the ids along a prerequisite cycle reachable from start, or
// nil when the graph below start is acyclic.
func findCycle(graph map[string][]string, start string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		path = append(path, id)
		for _, next := range graph[id] {
			switch state[next] {
			case visiting:
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}
	return visit(start)
}
