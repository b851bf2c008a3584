package state

import (
	"os"

	"github.com/alekspetrov/overseer/internal/config"
)

// SaveProjects persists the project registry so admin-registered projects
// survive a restart.
func (s *Store) SaveProjects(projects []*config.ProjectConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(projectsFile, projects)
}

// LoadProjects restores the persisted project registry. A missing file yields
// an empty slice.
func (s *Store) LoadProjects() ([]*config.ProjectConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var projects []*config.ProjectConfig
	if err := s.readJSON(projectsFile, &projects); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return projects, nil
}
