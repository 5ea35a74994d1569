/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
implied. See the License for the specific language governing permissions
and limitations under the License.
*/

package kubernetes

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	core "k8s.io/api/core/v1"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

const (
	instanceID = "i-0123456789abcdef0"
	providerID = "aws:///us-west-2a/" + instanceID
)

func TestParseInstanceID(t *testing.T) {
	cases := []struct {
		name    string
		node    *core.Node
		want    string
		wantErr bool
	}{
		{
			name: "AWSProviderID",
			node: &core.Node{Spec: core.NodeSpec{ProviderID: providerID}},
			want: instanceID,
		},
		{
			name:    "EmptyProviderID",
			node:    &core.Node{ObjectMeta: meta.ObjectMeta{Name: nodeName}},
			wantErr: true,
		},
		{
			name:    "NonAWSProviderID",
			node:    &core.Node{Spec: core.NodeSpec{ProviderID: "gce://project/zone/instance"}},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInstanceID(tc.node)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNodeWatch(t *testing.T) {
	node := &core.Node{
		ObjectMeta: meta.ObjectMeta{Name: nodeName},
		Spec:       core.NodeSpec{ProviderID: providerID},
	}
	unindexed := &core.Node{ObjectMeta: meta.ObjectMeta{Name: "legacyNode"}}

	store, stop := RunStoreForTest(context.Background(), fake.NewSimpleClientset(node, unindexed))
	defer stop()

	t.Run("GetByName", func(t *testing.T) {
		got, err := store.Get(nodeName)
		assert.NoError(t, err)
		assert.Equal(t, nodeName, got.GetName())
	})

	t.Run("GetByInstanceID", func(t *testing.T) {
		got, err := store.GetByInstanceID(instanceID)
		assert.NoError(t, err)
		assert.Equal(t, nodeName, got.GetName())
	})

	t.Run("UnknownInstanceID", func(t *testing.T) {
		_, err := store.GetByInstanceID("i-ffffffffffffffff0")
		assert.Error(t, err)
		assert.True(t, IsNodeNotFound(err))
	})

	t.Run("UnknownName", func(t *testing.T) {
		_, err := store.Get("noSuchNode")
		assert.Error(t, err)
		assert.True(t, IsNodeNotFound(err))
	})
}

type fakeInstanceLookup struct {
	dnsName string
	err     error
}

func (f *fakeInstanceLookup) PrivateDNSName(_ context.Context, _ string) (string, error) {
	return f.dnsName, f.err
}

func TestNodeResolver(t *testing.T) {
	indexed := &core.Node{
		ObjectMeta: meta.ObjectMeta{Name: nodeName},
		Spec:       core.NodeSpec{ProviderID: providerID},
	}
	// Registered before the cloud provider set its providerID, so absent from
	// the instance-id index.
	lagging := &core.Node{ObjectMeta: meta.ObjectMeta{Name: "ip-10-0-0-42.ec2.internal"}}

	store, stop := RunStoreForTest(context.Background(), fake.NewSimpleClientset(indexed, lagging))
	defer stop()

	cases := []struct {
		name         string
		instanceID   string
		lookup       InstanceLookup
		want         string
		wantNotFound bool
		wantErr      bool
	}{
		{
			name:       "ResolvedFromCache",
			instanceID: instanceID,
			want:       nodeName,
		},
		{
			name:         "NoNodeNoLookup",
			instanceID:   "i-ffffffffffffffff0",
			wantNotFound: true,
		},
		{
			name:       "ResolvedViaPrivateDNSName",
			instanceID: "i-ffffffffffffffff0",
			lookup:     &fakeInstanceLookup{dnsName: "ip-10-0-0-42.ec2.internal"},
			want:       "ip-10-0-0-42.ec2.internal",
		},
		{
			name:         "InstanceAlreadyTerminated",
			instanceID:   "i-ffffffffffffffff0",
			lookup:       &fakeInstanceLookup{},
			wantNotFound: true,
		},
		{
			name:       "LookupFailure",
			instanceID: "i-ffffffffffffffff0",
			lookup:     &fakeInstanceLookup{err: errors.New("throttled")},
			wantErr:    true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewNodeResolver(store, tc.lookup, nil)
			got, err := r.Resolve(context.Background(), tc.instanceID)
			if tc.wantNotFound {
				assert.Error(t, err)
				assert.True(t, IsNodeNotFound(err))
				return
			}
			if tc.wantErr {
				assert.Error(t, err)
				assert.False(t, IsNodeNotFound(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got.GetName())
		})
	}
}
