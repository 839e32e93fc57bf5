// Package pool implements the generic bounded object pool that session
// pools are built on. It knows nothing about sessions: a Factory supplies
// create, destroy, validate, activate and passivate callbacks, and the pool
// decides when to call them.
//
// # Architecture
//
// Borrow admission is a weighted semaphore sized to MaxActive, so waiting
// borrowers queue in arrival order and honour both the caller's context and
// MaxWait. A borrower that times out gets a pool-exhausted error, distinct
// from driver errors raised by Factory.Create.
//
// Idle objects sit in a slice used as a stack (LIFO) or a queue. Returned
// objects are passivated before they become idle; an object that fails
// passivation or return-time validation is destroyed instead.
//
// # Maintenance
//
// With EvictionInterval set, a background goroutine calls Maintain, which:
//   - destroys idle objects older than MinEvictableIdle, keeping MinIdle
//   - validates the remaining idle objects when TestWhileIdle is set
//   - tops the idle set up to MinIdle
//   - runs hooks registered with OnMaintenance
//
// Usage:
//
//	p := pool.New[*session.Session](factory, pool.Config{
//		Name:         "orders",
//		MaxActive:    16,
//		MaxIdle:      8,
//		MaxWait:      5 * time.Second,
//		LIFO:         true,
//		TestOnBorrow: true,
//	})
//	defer p.Close()
//
//	s, err := p.Borrow(ctx)
//	if err != nil {
//		return err
//	}
//	defer p.Return(ctx, s)
package pool
