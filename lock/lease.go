package lock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	"github.com/orgsearch/tenant-index/pkg/logger"
)

type LeaseOpts struct {
	Namespace string

	// Identity names this holder in the Lease.  Defaults to the hostname plus a random suffix.
	Identity string

	// Prefix is prepended to the key to form the Lease name.  Defaults to "tenant-index-".
	Prefix string

	// LeaseDuration is how long a Lease stays valid without renewal.  Defaults to 60s.
	LeaseDuration time.Duration

	// RenewInterval defaults to a third of LeaseDuration.
	RenewInterval time.Duration

	// RetryInterval is how often a held Lease is re-checked while waiting.  Defaults to 2s.
	RetryInterval time.Duration
}

// Lease is a Locker backed by coordination.k8s.io/v1 Leases, so replicas of the migration service never
// migrate the same tenant at once.  A holder that dies without releasing is taken over once its Lease expires.
type Lease struct {
	client kubernetes.Interface
	opts   LeaseOpts
	clock  clock.WithTicker
}

func NewLease(client kubernetes.Interface, opts LeaseOpts) (*Lease, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("lease namespace is required")
	}
	if opts.Identity == "" {
		host, _ := os.Hostname()
		opts.Identity = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.Prefix == "" {
		opts.Prefix = "tenant-index-"
	}
	if opts.LeaseDuration == 0 {
		opts.LeaseDuration = 60 * time.Second
	}
	if opts.RenewInterval == 0 {
		opts.RenewInterval = opts.LeaseDuration / 3
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.RenewInterval >= opts.LeaseDuration {
		return nil, fmt.Errorf("renew interval %s must be shorter than lease duration %s", opts.RenewInterval, opts.LeaseDuration)
	}

	return &Lease{client: client, opts: opts, clock: clock.RealClock{}}, nil
}

// SetClock sets the clock used to judge lease expiry and to pace renewals, for tests.
func (l *Lease) SetClock(clk clock.WithTicker) {
	l.clock = clk
}

// Identity is the holder identity written into acquired Leases.
func (l *Lease) Identity() string { return l.opts.Identity }

// Lock implements Locker.  The held context is cancelled with ErrLockLost when another holder takes the Lease
// over or when renewals keep failing for a whole LeaseDuration, after which a takeover is possible.
func (l *Lease) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	name := l.leaseName(key)

	var holder string
	err := wait.PollUntilContextCancel(ctx, l.opts.RetryInterval, true, func(ctx context.Context) (bool, error) {
		var err error
		holder, err = l.tryAcquire(ctx, name)
		if err != nil {
			return false, err
		}
		return holder == l.opts.Identity, nil
	})
	if err != nil {
		if ctx.Err() != nil && holder != "" {
			return nil, nil, fmt.Errorf("%w: lease %s/%s by %s: %w", ErrLockHeld, l.opts.Namespace, name, holder, ctx.Err())
		}
		return nil, nil, fmt.Errorf("acquire lease %s/%s: %w", l.opts.Namespace, name, err)
	}
	logger.Debugf("Acquired lease %s/%s as %s", l.opts.Namespace, name, l.opts.Identity)

	held, lost := context.WithCancelCause(ctx)
	renewCtx, cancel := context.WithCancel(context.Background())
	ticker := l.clock.NewTicker(l.opts.RenewInterval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renew(renewCtx, name, ticker, lost)
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			lost(nil)
			l.release(name)
		})
	}, nil
}

// tryAcquire creates, renews or takes over the Lease and returns its holder afterwards.
func (l *Lease) tryAcquire(ctx context.Context, name string) (string, error) {
	leases := l.client.CoordinationV1().Leases(l.opts.Namespace)

	lease, err := leases.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = leases.Create(ctx, l.newLease(name), metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return "", nil
		} else if err != nil {
			return "", err
		}
		return l.opts.Identity, nil
	} else if err != nil {
		return "", err
	}

	holder := ""
	if lease.Spec.HolderIdentity != nil {
		holder = *lease.Spec.HolderIdentity
	}
	if holder != "" && holder != l.opts.Identity && !l.expired(lease) {
		return holder, nil
	}

	if holder != l.opts.Identity {
		logger.Warnf("Taking over lease %s/%s from %q", l.opts.Namespace, name, holder)
		transitions := int32(1)
		if lease.Spec.LeaseTransitions != nil {
			transitions = *lease.Spec.LeaseTransitions + 1
		}
		lease.Spec.LeaseTransitions = &transitions
		lease.Spec.AcquireTime = l.microNow()
	}
	lease.Spec.HolderIdentity = ptr.To(l.opts.Identity)
	lease.Spec.LeaseDurationSeconds = ptr.To(l.durationSeconds())
	lease.Spec.RenewTime = l.microNow()

	_, err = leases.Update(ctx, lease, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		// Someone else updated it first; look again on the next poll.
		return holder, nil
	} else if err != nil {
		return "", err
	}
	return l.opts.Identity, nil
}

// renew keeps the Lease fresh until ctx ends and calls lost once it can no longer be sure it holds it.
func (l *Lease) renew(ctx context.Context, name string, ticker clock.Ticker, lost context.CancelCauseFunc) {
	defer ticker.Stop()
	leases := l.client.CoordinationV1().Leases(l.opts.Namespace)
	lastRenew := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		lease, err := leases.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			logger.Errorf("Lost lease %s/%s: deleted", l.opts.Namespace, name)
			lost(fmt.Errorf("%w: lease %s/%s deleted", ErrLockLost, l.opts.Namespace, name))
			return
		}
		if err == nil {
			if holder := ptr.Deref(lease.Spec.HolderIdentity, ""); holder != l.opts.Identity {
				logger.Errorf("Lost lease %s/%s to %q", l.opts.Namespace, name, holder)
				lost(fmt.Errorf("%w: lease %s/%s taken over by %q", ErrLockLost, l.opts.Namespace, name, holder))
				return
			}
			lease.Spec.RenewTime = l.microNow()
			_, err = leases.Update(ctx, lease, metav1.UpdateOptions{})
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			lastRenew = l.clock.Now()
			continue
		}

		if since := l.clock.Since(lastRenew); since >= l.opts.LeaseDuration {
			logger.Errorf("Lost lease %s/%s: not renewed for %s: %s", l.opts.Namespace, name, since, err)
			lost(fmt.Errorf("%w: lease %s/%s not renewed for %s: %w", ErrLockLost, l.opts.Namespace, name, since, err))
			return
		}
		logger.Warnf("Failed to renew lease %s/%s: %s", l.opts.Namespace, name, err)
	}
}

// release deletes the Lease if this holder still owns it.  Failures are logged only; the Lease expires anyway.
func (l *Lease) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	leases := l.client.CoordinationV1().Leases(l.opts.Namespace)
	lease, err := leases.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return
	} else if err != nil {
		logger.Warnf("Failed to release lease %s/%s: %s", l.opts.Namespace, name, err)
		return
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != l.opts.Identity {
		return
	}

	err = leases.Delete(ctx, name, metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{UID: &lease.UID, ResourceVersion: &lease.ResourceVersion},
	})
	if err != nil && !apierrors.IsNotFound(err) {
		logger.Warnf("Failed to release lease %s/%s: %s", l.opts.Namespace, name, err)
	}
}

func (l *Lease) newLease(name string) *coordinationv1.Lease {
	return &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: l.opts.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "indexctl"},
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(l.opts.Identity),
			LeaseDurationSeconds: ptr.To(l.durationSeconds()),
			AcquireTime:          l.microNow(),
			RenewTime:            l.microNow(),
			LeaseTransitions:     ptr.To(int32(0)),
		},
	}
}

func (l *Lease) expired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	ttl := time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	return l.clock.Now().After(lease.Spec.RenewTime.Add(ttl))
}

// leaseName maps key onto a valid object name.  Keys that are not already DNS-1123 subdomains are hashed.
func (l *Lease) leaseName(key string) string {
	name := l.opts.Prefix + key
	if len(validation.IsDNS1123Subdomain(name)) == 0 {
		return name
	}
	return l.opts.Prefix + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

func (l *Lease) durationSeconds() int32 {
	return int32(l.opts.LeaseDuration / time.Second)
}

func (l *Lease) microNow() *metav1.MicroTime {
	t := metav1.NewMicroTime(l.clock.Now())
	return &t
}

// HolderOf returns the identity holding key's Lease, or "" when it is free or expired.
func (l *Lease) HolderOf(ctx context.Context, key string) (string, error) {
	lease, err := l.client.CoordinationV1().Leases(l.opts.Namespace).Get(ctx, l.leaseName(key), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	if lease.Spec.HolderIdentity == nil || l.expired(lease) {
		return "", nil
	}
	return *lease.Spec.HolderIdentity, nil
}
