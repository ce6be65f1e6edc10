package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Shopify/sarama"
)

type fakeClusterAdmin struct {
	sarama.ClusterAdmin
	createErr    error
	describeErr  error
	existing     []sarama.ConfigEntry
	created      *sarama.TopicDetail
	altered      map[string]*string
	alterCalls   int
	describedFor string
}

func (f *fakeClusterAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = detail

	return nil
}

func (f *fakeClusterAdmin) DescribeConfig(resource sarama.ConfigResource) ([]sarama.ConfigEntry, error) {
	f.describedFor = resource.Name

	return f.existing, f.describeErr
}

func (f *fakeClusterAdmin) AlterConfig(resourceType sarama.ConfigResourceType, name string, entries map[string]*string, validateOnly bool) error {
	f.alterCalls++
	f.altered = entries

	return nil
}

func TestProvisioner_ProvisionCreatesTopic(t *testing.T) {
	admin := &fakeClusterAdmin{}
	p := NewProvisioner(admin, "entitlement.events", 6, 3, 7*24*time.Hour)

	if err := p.Provision(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if admin.created == nil {
		t.Fatal("expected the topic to be created")
	}
	if admin.created.NumPartitions != 6 || admin.created.ReplicationFactor != 3 {
		t.Errorf("unexpected topic detail %#v", admin.created)
	}
	if got := *admin.created.ConfigEntries[retentionConfig]; got != "604800000" {
		t.Errorf("expected retention.ms to be 604800000, got %s", got)
	}
}

func TestProvisioner_ProvisionToleratesExistingTopic(t *testing.T) {
	tests := map[string]error{
		"kafka error": sarama.ErrTopicAlreadyExists,
		"topic error": &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists},
	}

	for name, createErr := range tests {
		t.Run(name, func(t *testing.T) {
			admin := &fakeClusterAdmin{
				createErr: createErr,
				existing:  []sarama.ConfigEntry{{Name: retentionConfig, Value: "604800000"}},
			}
			p := NewProvisioner(admin, "entitlement.events", 6, 1, 7*24*time.Hour)

			if err := p.Provision(context.Background()); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if admin.describedFor != "entitlement.events" {
				t.Errorf("expected the existing topic config to be described, got %q", admin.describedFor)
			}
			if admin.alterCalls != 0 {
				t.Error("expected an up to date topic not to be altered")
			}
		})
	}
}

func TestProvisioner_ProvisionUpdatesDivergentRetention(t *testing.T) {
	admin := &fakeClusterAdmin{
		createErr: sarama.ErrTopicAlreadyExists,
		existing:  []sarama.ConfigEntry{{Name: retentionConfig, Value: "1000"}},
	}
	p := NewProvisioner(admin, "entitlement.events", 6, 1, time.Hour)

	if err := p.Provision(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if admin.alterCalls != 1 {
		t.Fatalf("expected the topic to be altered once, got %d", admin.alterCalls)
	}
	if got := *admin.altered[retentionConfig]; got != "3600000" {
		t.Errorf("expected retention.ms to be 3600000, got %s", got)
	}
}

func TestProvisioner_ProvisionReturnsOtherErrors(t *testing.T) {
	admin := &fakeClusterAdmin{createErr: sarama.ErrClusterAuthorizationFailed}
	p := NewProvisioner(admin, "entitlement.events", 6, 1, time.Hour)

	if err := p.Provision(context.Background()); !errors.Is(err, sarama.ErrClusterAuthorizationFailed) {
		t.Errorf("expected the create error to be returned, got %v", err)
	}

	admin = &fakeClusterAdmin{createErr: sarama.ErrTopicAlreadyExists, describeErr: errors.New("oops")}
	p = NewProvisioner(admin, "entitlement.events", 6, 1, time.Hour)

	if err := p.Provision(context.Background()); err == nil {
		t.Error("expected the describe error to be returned")
	}
}
