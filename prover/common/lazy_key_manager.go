package common

import (
	"fmt"
	"sync"

	"zkcredit/credit-prover/logging"
)

// LazyKeyManager loads proving systems on first use, one per circuit version.
// Concurrent callers for the same version wait for the single load in flight.
type LazyKeyManager struct {
	mu                sync.RWMutex
	systems           map[uint32]*ProofSystem
	artifacts         map[uint32]Artifact
	downloadConfig    *DownloadConfig
	loadingInProgress map[uint32]chan struct{}
}

func NewLazyKeyManager(artifacts map[uint32]Artifact, downloadConfig *DownloadConfig) *LazyKeyManager {
	if downloadConfig == nil {
		downloadConfig = DefaultDownloadConfig()
	}
	return &LazyKeyManager{
		systems:           make(map[uint32]*ProofSystem),
		artifacts:         artifacts,
		downloadConfig:    downloadConfig,
		loadingInProgress: make(map[uint32]chan struct{}),
	}
}

// Preload registers an already loaded system, e.g. one produced by setup.
func (m *LazyKeyManager) Preload(ps *ProofSystem) {
	m.mu.Lock()
	m.systems[ps.CircuitVersion] = ps
	m.mu.Unlock()
}

func (m *LazyKeyManager) GetSystem(version uint32) (*ProofSystem, error) {
	m.mu.RLock()
	if ps, exists := m.systems[version]; exists {
		m.mu.RUnlock()
		logging.Logger().Debug().
			Uint32("version", version).
			Msg("Found cached ProofSystem")
		return ps, nil
	}
	m.mu.RUnlock()

	return m.loadSystem(version)
}

func (m *LazyKeyManager) loadSystem(version uint32) (*ProofSystem, error) {
	loadChan := m.acquireLoadingLock(version)
	if loadChan == nil {
		m.waitForLoading(version)
		m.mu.RLock()
		ps, exists := m.systems[version]
		m.mu.RUnlock()
		if exists {
			return ps, nil
		}
		return nil, fmt.Errorf("loading completed but system not found in cache")
	}
	defer m.releaseLoadingLock(version, loadChan)

	artifact, ok := m.artifacts[version]
	if !ok {
		return nil, Errorf(EngineUnavailable, "no proving keys configured for circuit version %d", version)
	}

	logging.Logger().Info().
		Str("key_path", artifact.Path).
		Uint32("version", version).
		Msg("Loading ProofSystem")

	if err := EnsureArtifact(artifact, m.downloadConfig); err != nil {
		return nil, fmt.Errorf("failed to fetch key %s: %w", artifact.Path, err)
	}

	ps, err := ReadSystemFromFile(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", artifact.Path, err)
	}
	if ps.CircuitVersion != version {
		return nil, Errorf(ArtifactInvalid, "%s holds circuit version %d, expected %d", artifact.Path, ps.CircuitVersion, version)
	}

	m.mu.Lock()
	m.systems[version] = ps
	m.mu.Unlock()

	logging.Logger().Info().
		Uint32("version", version).
		Uint32("num_public", ps.NumPublic).
		Int("constraints", ps.ConstraintSystem.GetNbConstraints()).
		Msg("ProofSystem loaded and cached successfully")

	return ps, nil
}

func (m *LazyKeyManager) acquireLoadingLock(version uint32) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, loading := m.loadingInProgress[version]; loading {
		return nil
	}

	ch := make(chan struct{})
	m.loadingInProgress[version] = ch
	return ch
}

func (m *LazyKeyManager) waitForLoading(version uint32) {
	m.mu.RLock()
	ch := m.loadingInProgress[version]
	m.mu.RUnlock()

	if ch != nil {
		<-ch
	}
}

func (m *LazyKeyManager) releaseLoadingLock(version uint32, ch chan struct{}) {
	m.mu.Lock()
	delete(m.loadingInProgress, version)
	m.mu.Unlock()
	close(ch)
}
