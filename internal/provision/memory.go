package provision

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// MemoryCloudFormation is an in-process control plane implementing
// CloudFormationAPI. It backs dry-run mode, where the engine exercises the
// full provisioning flow without touching AWS, and doubles as the test fake.
// Output values are evaluated from the template: literals stay as written,
// Ref yields the parameter value (or the logical id for resources), Fn::Sub
// substitutes ${Name} parameters, Fn::GetAtt yields "Resource.Attr".
type MemoryCloudFormation struct {
	// SettleAfter makes stacks report IN_PROGRESS for that many describes
	// before settling, so callers exercise their polling path.
	SettleAfter int

	// FailStatus, when set for a stack name, is the terminal status the
	// next apply of that stack lands in instead of a stable one.
	FailStatus map[string]cfntypes.StackStatus

	mu     sync.Mutex
	stacks map[string]*memoryStack
}

type memoryStack struct {
	body         string
	params       map[string]string
	status       cfntypes.StackStatus
	settled      cfntypes.StackStatus
	outputs      []cfntypes.Output
	pendingPolls int
}

func NewMemoryCloudFormation() *MemoryCloudFormation {
	return &MemoryCloudFormation{stacks: map[string]*memoryStack{}}
}

func (m *MemoryCloudFormation) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(in.StackName)
	st, ok := m.stacks[name]
	if !ok {
		return nil, fmt.Errorf("Stack with id %s does not exist", name)
	}
	if st.pendingPolls > 0 {
		st.pendingPolls--
		if st.pendingPolls == 0 {
			st.status = st.settled
		}
	}
	return &cloudformation.DescribeStacksOutput{
		Stacks: []cfntypes.Stack{{
			StackName:   aws.String(name),
			StackStatus: st.status,
			Outputs:     append([]cfntypes.Output(nil), st.outputs...),
		}},
	}, nil
}

func (m *MemoryCloudFormation) CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(in.StackName)
	if _, exists := m.stacks[name]; exists {
		return nil, fmt.Errorf("stack %s already exists", name)
	}
	st, err := m.materialize(name, in.TemplateBody, in.Parameters, cfntypes.StackStatusCreateInProgress, cfntypes.StackStatusCreateComplete)
	if err != nil {
		return nil, err
	}
	m.stacks[name] = st
	return &cloudformation.CreateStackOutput{StackId: aws.String("memory/" + name)}, nil
}

func (m *MemoryCloudFormation) UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(in.StackName)
	current, exists := m.stacks[name]
	if !exists {
		return nil, fmt.Errorf("Stack with id %s does not exist", name)
	}
	if current.body == aws.ToString(in.TemplateBody) && equalParams(current.params, fromStackParameters(in.Parameters)) {
		return nil, fmt.Errorf("No updates are to be performed.")
	}
	st, err := m.materialize(name, in.TemplateBody, in.Parameters, cfntypes.StackStatusUpdateInProgress, cfntypes.StackStatusUpdateComplete)
	if err != nil {
		return nil, err
	}
	m.stacks[name] = st
	return &cloudformation.UpdateStackOutput{StackId: aws.String("memory/" + name)}, nil
}

// StackParameters exposes the resolved parameters a stack was last applied
// with, for assertions and dry-run inspection.
func (m *MemoryCloudFormation) StackParameters(name string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stacks[name]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(st.params))
	for k, v := range st.params {
		out[k] = v
	}
	return out, true
}

// StackCount reports how many stacks currently exist.
func (m *MemoryCloudFormation) StackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stacks)
}

func (m *MemoryCloudFormation) materialize(name string, body *string, params []cfntypes.Parameter, progress, settled cfntypes.StackStatus) (*memoryStack, error) {
	tpl, err := ParseTemplate([]byte(aws.ToString(body)))
	if err != nil {
		return nil, fmt.Errorf("malformed template: %w", err)
	}
	paramMap := fromStackParameters(params)

	st := &memoryStack{
		body:    aws.ToString(body),
		params:  paramMap,
		outputs: evalOutputs(tpl, paramMap),
	}
	if failStatus, ok := m.FailStatus[name]; ok {
		settled = failStatus
	}
	if m.SettleAfter > 0 {
		st.status = progress
		st.settled = settled
		st.pendingPolls = m.SettleAfter
	} else {
		st.status = settled
		st.settled = settled
	}
	return st, nil
}

func evalOutputs(tpl *Template, params map[string]string) []cfntypes.Output {
	var outputs []cfntypes.Output
	for key, out := range tpl.Outputs {
		o := cfntypes.Output{
			OutputKey:   aws.String(key),
			OutputValue: aws.String(evalOutputValue(out.Value, params)),
		}
		if out.Export.Name != "" {
			o.ExportName = aws.String(out.Export.Name)
		}
		outputs = append(outputs, o)
	}
	return outputs
}

var subPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func evalOutputValue(v interface{}, params map[string]string) string {
	switch vv := v.(type) {
	case string:
		return vv
	case map[string]interface{}:
		if ref, ok := vv["Ref"].(string); ok {
			if pv, ok := params[ref]; ok {
				return pv
			}
			// The logical id stands in for the physical id.
			return ref
		}
		if sub, ok := vv["Fn::Sub"].(string); ok {
			return subPattern.ReplaceAllStringFunc(sub, func(match string) string {
				name := match[2 : len(match)-1]
				if pv, ok := params[name]; ok {
					return pv
				}
				return name
			})
		}
		if att, ok := vv["Fn::GetAtt"]; ok {
			switch parts := att.(type) {
			case string:
				return parts
			case []interface{}:
				var segs []string
				for _, p := range parts {
					segs = append(segs, fmt.Sprintf("%v", p))
				}
				return strings.Join(segs, ".")
			}
		}
	}
	return fmt.Sprintf("%v", v)
}

func fromStackParameters(params []cfntypes.Parameter) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[aws.ToString(p.ParameterKey)] = aws.ToString(p.ParameterValue)
	}
	return out
}

func equalParams(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
