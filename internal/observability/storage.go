package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"storefront/internal/models"
	"storefront/internal/storage"
)

// InstrumentedStorage wraps a storage.Storage with a span, a latency
// histogram sample and an error count per call.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("storefront/storage")
	meter := otel.Meter("storefront/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStorage) ListProducts(ctx context.Context) ([]*models.Product, error) {
	ctx, span := s.startSpan(ctx, "ListProducts")
	start := time.Now()
	result, err := s.inner.ListProducts(ctx)
	s.record(ctx, span, "ListProducts", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	ctx, span := s.startSpan(ctx, "GetProduct", attribute.Int64("product_id", id))
	start := time.Now()
	result, err := s.inner.GetProduct(ctx, id)
	s.record(ctx, span, "GetProduct", start, err)
	return result, err
}

func (s *InstrumentedStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	ctx, span := s.startSpan(ctx, "SaveProduct", attribute.Int64("product_id", product.ID))
	start := time.Now()
	err := s.inner.SaveProduct(ctx, product)
	s.record(ctx, span, "SaveProduct", start, err)
	return err
}

func (s *InstrumentedStorage) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	ctx, span := s.startSpan(ctx, "GetInventory", attribute.Int64("product_id", productID))
	start := time.Now()
	result, err := s.inner.GetInventory(ctx, productID)
	s.record(ctx, span, "GetInventory", start, err)
	return result, err
}

// UpdateInventory records the whole exclusive read-modify-write, including
// the time spent waiting for the storage-level lock.
func (s *InstrumentedStorage) UpdateInventory(ctx context.Context, productID int64, fn storage.InventoryMutation) (*models.Inventory, error) {
	ctx, span := s.startSpan(ctx, "UpdateInventory", attribute.Int64("product_id", productID))
	start := time.Now()
	result, err := s.inner.UpdateInventory(ctx, productID, fn)
	if result != nil {
		span.SetAttributes(attribute.Int("inventory.quantity", result.Quantity))
	}
	s.record(ctx, span, "UpdateInventory", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	ctx, span := s.startSpan(ctx, "GetUserByID", attribute.Int64("user_id", id))
	start := time.Now()
	result, err := s.inner.GetUserByID(ctx, id)
	s.record(ctx, span, "GetUserByID", start, err)
	return result, err
}

// GetUserByEmail deliberately leaves the address out of the span.
func (s *InstrumentedStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, span := s.startSpan(ctx, "GetUserByEmail")
	start := time.Now()
	result, err := s.inner.GetUserByEmail(ctx, email)
	s.record(ctx, span, "GetUserByEmail", start, err)
	return result, err
}

func (s *InstrumentedStorage) SaveUser(ctx context.Context, user *models.User) error {
	ctx, span := s.startSpan(ctx, "SaveUser")
	start := time.Now()
	err := s.inner.SaveUser(ctx, user)
	s.record(ctx, span, "SaveUser", start, err)
	return err
}

func (s *InstrumentedStorage) CompareAndSwapRole(ctx context.Context, id int64, expected, next models.Role) (bool, error) {
	ctx, span := s.startSpan(ctx, "CompareAndSwapRole",
		attribute.Int64("user_id", id),
		attribute.String("role.expected", string(expected)),
		attribute.String("role.next", string(next)),
	)
	start := time.Now()
	swapped, err := s.inner.CompareAndSwapRole(ctx, id, expected, next)
	span.SetAttributes(attribute.Bool("swapped", swapped))
	s.record(ctx, span, "CompareAndSwapRole", start, err)
	return swapped, err
}

func (s *InstrumentedStorage) SaveOrder(ctx context.Context, order *models.Order) error {
	ctx, span := s.startSpan(ctx, "SaveOrder",
		attribute.String("order_id", order.ID),
		attribute.Int("order.items", len(order.Items)),
	)
	start := time.Now()
	err := s.inner.SaveOrder(ctx, order)
	s.record(ctx, span, "SaveOrder", start, err)
	return err
}

func (s *InstrumentedStorage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	ctx, span := s.startSpan(ctx, "GetOrder", attribute.String("order_id", id))
	start := time.Now()
	result, err := s.inner.GetOrder(ctx, id)
	s.record(ctx, span, "GetOrder", start, err)
	return result, err
}

func (s *InstrumentedStorage) UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (bool, error) {
	ctx, span := s.startSpan(ctx, "UpdateOrderStatus",
		attribute.String("order_id", id),
		attribute.String("status.expected", string(expected)),
		attribute.String("status.next", string(next)),
	)
	start := time.Now()
	moved, err := s.inner.UpdateOrderStatus(ctx, id, expected, next)
	span.SetAttributes(attribute.Bool("moved", moved))
	s.record(ctx, span, "UpdateOrderStatus", start, err)
	return moved, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
