// Command ec2 provisions a throwaway host for the e2e tests.
//
//	go run . create
//	go run . wait <name>
//	go run . ssh-config <name> >> ~/.ssh/config
//	REMOTE_CONNECT_E2E_HOST=<name> go test ./e2etest/...
//	go run . delete <name>
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	instancesDirectory = "./instances"
	owner              = "remote-connect e2e"

	instanceType = ec2types.InstanceTypeT3Micro
	imageID      = "ami-0f5fcdfbd140e4ab7" // Ubuntu Server 24.04 LTS
	region       = "us-east-2"
	sshUser      = "ubuntu"
)

func main() {
	ctx := context.Background()

	awsConfig, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, ec2.NewFromConfig(awsConfig), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *ec2.Client, args []string) error {
	usage := fmt.Errorf("usage: ec2 create | list | wait <name> | ssh-config <name> | delete <name>")
	if len(args) == 0 {
		return usage
	}
	if args[0] == "create" {
		return create(ctx, client)
	}
	if args[0] == "list" {
		return list(ctx, client)
	}
	if len(args) < 2 {
		return usage
	}

	rec, err := loadRecord(args[1])
	if err != nil {
		return err
	}
	switch args[0] {
	case "wait":
		return wait(ctx, client, rec)
	case "ssh-config":
		return sshConfig(ctx, client, rec)
	case "delete":
		return destroy(ctx, client, rec)
	}
	return usage
}

// record is what create leaves under instancesDirectory/<name>.
type record struct {
	Name            string
	InstanceID      string
	KeyName         string
	SecurityGroupID string
}

func (r record) dir() string {
	return filepath.Join(instancesDirectory, r.Name)
}

func (r record) keyPath() string {
	return filepath.Join(r.dir(), "key.pem")
}

func (r record) save(keyMaterial string) error {
	if err := os.MkdirAll(r.dir(), 0o755); err != nil {
		return err
	}
	files := map[string]string{
		"instance_id.txt":       r.InstanceID,
		"key_name.txt":          r.KeyName,
		"security_group_id.txt": r.SecurityGroupID,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(r.dir(), name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return os.WriteFile(r.keyPath(), []byte(keyMaterial), 0o400)
}

func loadRecord(name string) (record, error) {
	r := record{Name: name}
	read := func(file string) (string, error) {
		b, err := os.ReadFile(filepath.Join(r.dir(), file))
		return strings.TrimSpace(string(b)), err
	}
	var err error
	if r.InstanceID, err = read("instance_id.txt"); err != nil {
		return r, err
	}
	if r.KeyName, err = read("key_name.txt"); err != nil {
		return r, err
	}
	if r.SecurityGroupID, err = read("security_group_id.txt"); err != nil {
		return r, err
	}
	return r, nil
}

func tags(resource ec2types.ResourceType, name string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{
		ResourceType: resource,
		Tags: []ec2types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
			{Key: aws.String("Owner"), Value: aws.String(owner)},
		},
	}}
}

func create(ctx context.Context, client *ec2.Client) error {
	r := record{Name: fmt.Sprintf("remote-connect-e2e-%d", time.Now().Unix())}

	fmt.Fprintln(os.Stderr, "Creating security group...")
	sg, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(r.Name),
		Description:       aws.String("ssh access for remote-connect e2e tests"),
		TagSpecifications: tags(ec2types.ResourceTypeSecurityGroup, r.Name),
	})
	if err != nil {
		return err
	}
	r.SecurityGroupID = *sg.GroupId

	// Only ssh is exposed; the server under test is reached through the tunnel.
	_, err = client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(r.SecurityGroupID),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(22),
			ToPort:     aws.Int32(22),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		}},
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Creating key pair...")
	kp, err := client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(r.Name),
		KeyType:           ec2types.KeyTypeEd25519,
		TagSpecifications: tags(ec2types.ResourceTypeKeyPair, r.Name),
	})
	if err != nil {
		return err
	}
	r.KeyName = *kp.KeyName

	fmt.Fprintf(os.Stderr, "Starting %s (%s)...\n", instanceType, imageID)
	out, err := client.RunInstances(ctx, &ec2.RunInstancesInput{
		InstanceType:      instanceType,
		ImageId:           aws.String(imageID),
		KeyName:           aws.String(r.KeyName),
		SecurityGroupIds:  []string{r.SecurityGroupID},
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		TagSpecifications: tags(ec2types.ResourceTypeInstance, r.Name),
	})
	if err != nil {
		return err
	}
	r.InstanceID = *out.Instances[0].InstanceId

	if err := r.save(*kp.KeyMaterial); err != nil {
		return err
	}
	fmt.Println(r.Name)
	return nil
}

func describe(ctx context.Context, client *ec2.Client, r record) (ec2types.Instance, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{r.InstanceID}})
	if err != nil {
		return ec2types.Instance{}, err
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return ec2types.Instance{}, fmt.Errorf("instance %s not found", r.InstanceID)
	}
	return out.Reservations[0].Instances[0], nil
}

func wait(ctx context.Context, client *ec2.Client, r record) error {
	fmt.Fprintf(os.Stderr, "Waiting for %s to run...\n", r.InstanceID)
	return ec2.NewInstanceRunningWaiter(client).Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{r.InstanceID},
	}, 10*time.Minute)
}

// sshConfig prints a Host block that remote-connect and the e2e tests resolve
// by name.
func sshConfig(ctx context.Context, client *ec2.Client, r record) error {
	inst, err := describe(ctx, client, r)
	if err != nil {
		return err
	}
	if inst.PublicIpAddress == nil {
		return fmt.Errorf("instance %s has no public address yet", r.InstanceID)
	}
	key, err := filepath.Abs(r.keyPath())
	if err != nil {
		return err
	}
	fmt.Printf("Host %s\n", r.Name)
	fmt.Printf("  HostName %s\n", *inst.PublicIpAddress)
	fmt.Printf("  User %s\n", sshUser)
	fmt.Printf("  IdentityFile %s\n", key)
	fmt.Printf("  StrictHostKeyChecking accept-new\n")
	return nil
}

func list(ctx context.Context, client *ec2.Client) error {
	entries, err := os.ReadDir(instancesDirectory)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		r, err := loadRecord(entry.Name())
		if err != nil {
			return err
		}
		inst, err := describe(ctx, client, r)
		if err != nil {
			fmt.Printf("%s\t%s\t%v\n", r.Name, r.InstanceID, err)
			continue
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", r.Name, r.InstanceID, inst.State.Name, aws.ToString(inst.PublicIpAddress))
	}
	return nil
}

func destroy(ctx context.Context, client *ec2.Client, r record) error {
	fmt.Fprintf(os.Stderr, "Terminating %s...\n", r.InstanceID)
	if _, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{r.InstanceID}}); err != nil {
		return err
	}

	// The security group stays in use until the instance is gone.
	err := ec2.NewInstanceTerminatedWaiter(client).Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{r.InstanceID},
	}, 15*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: waiting for termination: %v\n", err)
	}

	if _, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(r.SecurityGroupID)}); err != nil {
		return err
	}
	if _, err := client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(r.KeyName)}); err != nil {
		return err
	}
	return os.RemoveAll(r.dir())
}
