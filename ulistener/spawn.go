package ulistener

import "golang.org/x/sync/semaphore"

// Spawner starts task concurrently and returns without waiting for it.
// An error means task was not started.
type Spawner interface {
	Spawn(task func()) error
}

type SpawnFunc func(task func()) error

func (f SpawnFunc) Spawn(task func()) error { return f(task) }

// GoSpawner runs every task on its own goroutine and never fails.
var GoSpawner Spawner = SpawnFunc(func(task func()) error {
	go task()
	return nil
})

type limitSpawner struct {
	sem *semaphore.Weighted
}

// LimitSpawner refuses new tasks with ErrSpawnLimit while n are running.
func LimitSpawner(n int) Spawner {
	return &limitSpawner{sem: semaphore.NewWeighted(int64(n))}
}

func (s *limitSpawner) Spawn(task func()) error {
	if !s.sem.TryAcquire(1) {
		return ErrSpawnLimit
	}
	go func() {
		defer s.sem.Release(1)
		task()
	}()
	return nil
}
