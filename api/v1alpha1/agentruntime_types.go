package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// FacadeType is the protocol an agent's client-facing facade speaks.
// +kubebuilder:validation:Enum=websocket;grpc
type FacadeType string

const (
	FacadeTypeWebSocket FacadeType = "websocket"
	FacadeTypeGRPC      FacadeType = "grpc"
)

// HandlerMode selects how the facade answers messages.
// +kubebuilder:validation:Enum=echo;demo;runtime
type HandlerMode string

const (
	// HandlerModeEcho returns input messages back (connectivity checks).
	HandlerModeEcho HandlerMode = "echo"
	// HandlerModeDemo streams canned replies with simulated tool calls.
	HandlerModeDemo HandlerMode = "demo"
	// HandlerModeRuntime forwards to the agent framework in the container.
	HandlerModeRuntime HandlerMode = "runtime"
)

// DefaultFacadePort is used when .spec.facade.port is unset.
const DefaultFacadePort int32 = 8080

// DefaultFacadePath is the websocket path served by the facade.
const DefaultFacadePath = "/ws"

// FacadeConfig defines the client-facing facade of an agent.
type FacadeConfig struct {
	// Type is the facade protocol.
	// +kubebuilder:default="websocket"
	Type FacadeType `json:"type"`

	// Port of the facade service.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:validation:Maximum=65535
	// +kubebuilder:default=8080
	// +optional
	Port *int32 `json:"port,omitempty"`

	// Path the websocket facade is served on.
	// +kubebuilder:default="/ws"
	// +optional
	Path string `json:"path,omitempty"`

	// Handler is the message handler mode.
	// +kubebuilder:default="runtime"
	// +optional
	Handler *HandlerMode `json:"handler,omitempty"`
}

// AgentRuntimeSpec defines the desired state of an AgentRuntime.
type AgentRuntimeSpec struct {
	// InstanceRef is the SympoziumInstance this runtime belongs to.
	// +optional
	InstanceRef string `json:"instanceRef,omitempty"`

	// Facade configures the client-facing connection interface.
	Facade FacadeConfig `json:"facade"`
}

// AgentRuntimePhase is the lifecycle phase of an AgentRuntime.
// +kubebuilder:validation:Enum=Pending;Running;Failed
type AgentRuntimePhase string

const (
	AgentRuntimePhasePending AgentRuntimePhase = "Pending"
	AgentRuntimePhaseRunning AgentRuntimePhase = "Running"
	AgentRuntimePhaseFailed  AgentRuntimePhase = "Failed"
)

// AgentRuntimeStatus defines the observed state of an AgentRuntime.
type AgentRuntimeStatus struct {
	// Phase is the current lifecycle phase.
	// +optional
	Phase AgentRuntimePhase `json:"phase,omitempty"`

	// Endpoint is the facade URL published by the controller. When set it
	// takes precedence over the in-cluster service address.
	// +optional
	Endpoint string `json:"endpoint,omitempty"`

	// Conditions represent the latest available observations.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// ObservedGeneration is the most recent generation observed.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Instance",type="string",JSONPath=".spec.instanceRef"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase"
// +kubebuilder:printcolumn:name="Facade",type="string",JSONPath=".spec.facade.type"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// AgentRuntime is the Schema for the agentruntimes API.
// It describes a running agent the dashboard console can attach to.
type AgentRuntime struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AgentRuntimeSpec   `json:"spec,omitempty"`
	Status AgentRuntimeStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// AgentRuntimeList contains a list of AgentRuntime.
type AgentRuntimeList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []AgentRuntime `json:"items"`
}

func init() {
	SchemeBuilder.Register(&AgentRuntime{}, &AgentRuntimeList{})
}
